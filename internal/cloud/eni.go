package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/google/uuid"
)

// NetworkInterface is an ENI created for hot-plug scenarios
type NetworkInterface struct {
	api            EC2API
	log            *slog.Logger
	subnetID       string
	securityGroups []string
	waitTimeout    time.Duration

	id           string
	attachmentID string
}

// NewNetworkInterface returns an uncreated ENI in subnetID
func NewNetworkInterface(api EC2API, subnetID string, securityGroups []string, logger *slog.Logger) *NetworkInterface {
	return &NetworkInterface{
		api:            api,
		log:            logger,
		subnetID:       subnetID,
		securityGroups: securityGroups,
		waitTimeout:    DefaultWaitTimeout,
	}
}

func (n *NetworkInterface) ID() string { return n.id }

func (n *NetworkInterface) waitAvailable(ctx context.Context) error {
	err := ec2.NewNetworkInterfaceAvailableWaiter(n.api).Wait(ctx, &ec2.DescribeNetworkInterfacesInput{
		NetworkInterfaceIds: []string{n.id},
	}, n.waitTimeout)
	if err != nil {
		return fmt.Errorf("wait for %s to be available: %w", n.id, err)
	}
	return nil
}

// Create creates the interface and waits until it is available
func (n *NetworkInterface) Create(ctx context.Context) error {
	if n.id != "" {
		return fmt.Errorf("network interface %s already created", n.id)
	}
	if n.subnetID == "" {
		return errors.New("create network interface: no subnet configured")
	}

	in := &ec2.CreateNetworkInterfaceInput{
		SubnetId:    aws.String(n.subnetID),
		ClientToken: aws.String(uuid.NewString()),
		Description: aws.String("guestcheck hotplug"),
	}
	if len(n.securityGroups) > 0 {
		in.Groups = n.securityGroups
	}

	out, err := n.api.CreateNetworkInterface(ctx, in)
	if err != nil {
		return fmt.Errorf("create network interface in %s: %w", n.subnetID, err)
	}
	if out.NetworkInterface == nil {
		return fmt.Errorf("create network interface in %s: empty response", n.subnetID)
	}
	n.id = aws.ToString(out.NetworkInterface.NetworkInterfaceId)
	n.log.Info("network interface created", "eni", n.id, "subnet", n.subnetID)

	return n.waitAvailable(ctx)
}

// AttachToInstance attaches the interface at deviceIndex
func (n *NetworkInterface) AttachToInstance(ctx context.Context, instanceID string, deviceIndex int32) error {
	if n.id == "" {
		return errors.New("attach network interface: not created")
	}
	out, err := n.api.AttachNetworkInterface(ctx, &ec2.AttachNetworkInterfaceInput{
		NetworkInterfaceId: aws.String(n.id),
		InstanceId:         aws.String(instanceID),
		DeviceIndex:        aws.Int32(deviceIndex),
	})
	if err != nil {
		return fmt.Errorf("attach %s to %s: %w", n.id, instanceID, err)
	}
	n.attachmentID = aws.ToString(out.AttachmentId)
	n.log.Info("network interface attached", "eni", n.id, "instance", instanceID, "device_index", deviceIndex)
	return nil
}

// DetachFromInstance detaches the interface and waits until it is available again
func (n *NetworkInterface) DetachFromInstance(ctx context.Context) error {
	if n.attachmentID == "" {
		return errors.New("detach network interface: not attached")
	}
	_, err := n.api.DetachNetworkInterface(ctx, &ec2.DetachNetworkInterfaceInput{
		AttachmentId: aws.String(n.attachmentID),
	})
	if err != nil {
		return fmt.Errorf("detach %s: %w", n.id, err)
	}
	n.attachmentID = ""
	n.log.Info("network interface detached", "eni", n.id)
	return n.waitAvailable(ctx)
}

// Delete removes the interface; deleting an uncreated interface is a no-op
func (n *NetworkInterface) Delete(ctx context.Context) error {
	if n.id == "" {
		return nil
	}
	if _, err := n.api.DeleteNetworkInterface(ctx, &ec2.DeleteNetworkInterfaceInput{
		NetworkInterfaceId: aws.String(n.id),
	}); err != nil {
		return fmt.Errorf("delete %s: %w", n.id, err)
	}
	n.log.Info("network interface deleted", "eni", n.id)
	n.id = ""
	return nil
}
