package cloud

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// DefaultWaitTimeout bounds every instance state transition
const DefaultWaitTimeout = 10 * time.Minute

// EC2API is the subset of the EC2 client used by this package
type EC2API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	StartInstances(ctx context.Context, params *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, params *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	GetConsoleOutput(ctx context.Context, params *ec2.GetConsoleOutputInput, optFns ...func(*ec2.Options)) (*ec2.GetConsoleOutputOutput, error)
	AssignPrivateIpAddresses(ctx context.Context, params *ec2.AssignPrivateIpAddressesInput, optFns ...func(*ec2.Options)) (*ec2.AssignPrivateIpAddressesOutput, error)
	UnassignPrivateIpAddresses(ctx context.Context, params *ec2.UnassignPrivateIpAddressesInput, optFns ...func(*ec2.Options)) (*ec2.UnassignPrivateIpAddressesOutput, error)
	CreateNetworkInterface(ctx context.Context, params *ec2.CreateNetworkInterfaceInput, optFns ...func(*ec2.Options)) (*ec2.CreateNetworkInterfaceOutput, error)
	DescribeNetworkInterfaces(ctx context.Context, params *ec2.DescribeNetworkInterfacesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeNetworkInterfacesOutput, error)
	AttachNetworkInterface(ctx context.Context, params *ec2.AttachNetworkInterfaceInput, optFns ...func(*ec2.Options)) (*ec2.AttachNetworkInterfaceOutput, error)
	DetachNetworkInterface(ctx context.Context, params *ec2.DetachNetworkInterfaceInput, optFns ...func(*ec2.Options)) (*ec2.DetachNetworkInterfaceOutput, error)
	DeleteNetworkInterface(ctx context.Context, params *ec2.DeleteNetworkInterfaceInput, optFns ...func(*ec2.Options)) (*ec2.DeleteNetworkInterfaceOutput, error)
}

// NewEC2Client builds an EC2 client from the default credential chain
func NewEC2Client(ctx context.Context, region string) (*ec2.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return ec2.NewFromConfig(cfg), nil
}

// EC2Instance implements VM for an existing EC2 instance
type EC2Instance struct {
	api         EC2API
	id          string
	log         *slog.Logger
	waitTimeout time.Duration

	instanceType string
	privateIP    string
	publicAddr   string
	primaryENI   string
	anotherIP    string
	deleted      bool
}

// NewEC2Instance looks up instance id and returns its handle
func NewEC2Instance(ctx context.Context, api EC2API, id string, logger *slog.Logger) (*EC2Instance, error) {
	i := &EC2Instance{
		api:         api,
		id:          id,
		log:         logger.With("instance", id),
		waitTimeout: DefaultWaitTimeout,
	}
	if _, err := i.refresh(ctx); err != nil {
		return nil, err
	}
	return i, nil
}

// Open builds handles for every instance ID
func Open(ctx context.Context, api EC2API, ids []string, logger *slog.Logger) ([]*EC2Instance, error) {
	vms := make([]*EC2Instance, 0, len(ids))
	for _, id := range ids {
		vm, err := NewEC2Instance(ctx, api, id, logger)
		if err != nil {
			return nil, err
		}
		vms = append(vms, vm)
	}
	return vms, nil
}

func (i *EC2Instance) describe(ctx context.Context) (*types.Instance, error) {
	out, err := i.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{i.id}})
	if err != nil {
		return nil, fmt.Errorf("describe instance %s: %w", i.id, err)
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if aws.ToString(inst.InstanceId) == i.id {
				return &inst, nil
			}
		}
	}
	return nil, fmt.Errorf("describe instance %s: not found", i.id)
}

// refresh reloads the cached attributes; addresses change across stop/start
func (i *EC2Instance) refresh(ctx context.Context) (*types.Instance, error) {
	inst, err := i.describe(ctx)
	if err != nil {
		return nil, err
	}

	i.instanceType = string(inst.InstanceType)
	i.privateIP = aws.ToString(inst.PrivateIpAddress)
	i.publicAddr = aws.ToString(inst.PublicIpAddress)
	if i.publicAddr == "" {
		i.publicAddr = i.privateIP
	}
	for _, ni := range inst.NetworkInterfaces {
		if ni.Attachment != nil && aws.ToInt32(ni.Attachment.DeviceIndex) == 0 {
			i.primaryENI = aws.ToString(ni.NetworkInterfaceId)
		}
	}

	return inst, nil
}

func (i *EC2Instance) state(ctx context.Context) (types.InstanceStateName, error) {
	inst, err := i.describe(ctx)
	if err != nil {
		return "", err
	}
	if inst.State == nil {
		return "", fmt.Errorf("instance %s has no state", i.id)
	}
	return inst.State.Name, nil
}

func (i *EC2Instance) ID() string           { return i.id }
func (i *EC2Instance) InstanceType() string { return i.instanceType }
func (i *EC2Instance) PrivateIP() string    { return i.privateIP }
func (i *EC2Instance) PublicAddress() string {
	return i.publicAddr
}
func (i *EC2Instance) AnotherIP() string { return i.anotherIP }

func (i *EC2Instance) describeInput() *ec2.DescribeInstancesInput {
	return &ec2.DescribeInstancesInput{InstanceIds: []string{i.id}}
}

// Stop stops the instance and waits until it is stopped
func (i *EC2Instance) Stop(ctx context.Context) error {
	if i.deleted {
		return ErrDeleted
	}
	i.log.Info("stopping instance")
	if _, err := i.api.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{i.id}}); err != nil {
		return fmt.Errorf("stop instance %s: %w", i.id, err)
	}
	if err := ec2.NewInstanceStoppedWaiter(i.api).Wait(ctx, i.describeInput(), i.waitTimeout); err != nil {
		return fmt.Errorf("wait for %s to stop: %w", i.id, err)
	}
	return nil
}

// Start starts the instance and reports whether it reached running
func (i *EC2Instance) Start(ctx context.Context) bool {
	if i.deleted {
		return false
	}
	i.log.Info("starting instance")
	if _, err := i.api.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{i.id}}); err != nil {
		i.log.Warn("start instance failed", "error", err)
		return false
	}
	if err := ec2.NewInstanceRunningWaiter(i.api).Wait(ctx, i.describeInput(), i.waitTimeout); err != nil {
		i.log.Warn("instance did not reach running", "error", err)
		return false
	}
	if _, err := i.refresh(ctx); err != nil {
		i.log.Warn("refresh instance after start", "error", err)
	}
	return true
}

// Delete terminates the instance
func (i *EC2Instance) Delete(ctx context.Context) error {
	if i.deleted {
		return nil
	}
	i.log.Info("terminating instance")
	if _, err := i.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{i.id}}); err != nil {
		return fmt.Errorf("terminate instance %s: %w", i.id, err)
	}
	i.deleted = true
	if err := ec2.NewInstanceTerminatedWaiter(i.api).Wait(ctx, i.describeInput(), i.waitTimeout); err != nil {
		return fmt.Errorf("wait for %s to terminate: %w", i.id, err)
	}
	return nil
}

// ConsoleLog returns the decoded serial console output
func (i *EC2Instance) ConsoleLog(ctx context.Context) (string, bool, error) {
	out, err := i.api.GetConsoleOutput(ctx, &ec2.GetConsoleOutputInput{InstanceId: aws.String(i.id)})
	if err != nil {
		return "", false, fmt.Errorf("get console output of %s: %w", i.id, err)
	}
	if aws.ToString(out.Output) == "" {
		return "", false, nil
	}
	text, err := base64.StdEncoding.DecodeString(aws.ToString(out.Output))
	if err != nil {
		return "", false, fmt.Errorf("decode console output of %s: %w", i.id, err)
	}
	return string(text), true, nil
}

// IsStarted reports whether the instance is running
func (i *EC2Instance) IsStarted(ctx context.Context) bool {
	if i.deleted {
		return false
	}
	state, err := i.state(ctx)
	if err != nil {
		i.log.Debug("query instance state", "error", err)
		return false
	}
	return state == types.InstanceStateNameRunning
}

// IsCreated reports whether the instance exists and is not being terminated
func (i *EC2Instance) IsCreated(ctx context.Context) bool {
	if i.deleted {
		return false
	}
	state, err := i.state(ctx)
	if err != nil {
		i.log.Debug("query instance state", "error", err)
		return false
	}
	return state != types.InstanceStateNameTerminated && state != types.InstanceStateNameShuttingDown
}

// AssignNewIP adds one secondary private IP to the primary interface
func (i *EC2Instance) AssignNewIP(ctx context.Context) error {
	if i.primaryENI == "" {
		return fmt.Errorf("instance %s has no primary network interface", i.id)
	}
	out, err := i.api.AssignPrivateIpAddresses(ctx, &ec2.AssignPrivateIpAddressesInput{
		NetworkInterfaceId:             aws.String(i.primaryENI),
		SecondaryPrivateIpAddressCount: aws.Int32(1),
	})
	if err != nil {
		return fmt.Errorf("assign private ip to %s: %w", i.primaryENI, err)
	}
	if len(out.AssignedPrivateIpAddresses) == 0 {
		return fmt.Errorf("assign private ip to %s: no address returned", i.primaryENI)
	}
	i.anotherIP = aws.ToString(out.AssignedPrivateIpAddresses[0].PrivateIpAddress)
	i.log.Info("secondary ip assigned", "ip", i.anotherIP, "eni", i.primaryENI)
	return nil
}

// RemoveAddedIP removes the secondary IP added by AssignNewIP
func (i *EC2Instance) RemoveAddedIP(ctx context.Context) error {
	if i.anotherIP == "" {
		return fmt.Errorf("instance %s has no added ip", i.id)
	}
	_, err := i.api.UnassignPrivateIpAddresses(ctx, &ec2.UnassignPrivateIpAddressesInput{
		NetworkInterfaceId: aws.String(i.primaryENI),
		PrivateIpAddresses: []string{i.anotherIP},
	})
	if err != nil {
		return fmt.Errorf("unassign private ip %s: %w", i.anotherIP, err)
	}
	i.log.Info("secondary ip removed", "ip", i.anotherIP, "eni", i.primaryENI)
	i.anotherIP = ""
	return nil
}
