package cloud

import (
	"context"
	"errors"
)

// ErrDeleted is returned by operations on an instance that was terminated
var ErrDeleted = errors.New("instance deleted")

// VM is the provider-side control object of an instance under test
type VM interface {
	// ID returns the provider instance ID
	ID() string
	// InstanceType returns the instance type, e.g. m5.large or c5.metal
	InstanceType() string
	// PrivateIP returns the primary private IPv4 address
	PrivateIP() string
	// PublicAddress returns the address SSH should use
	PublicAddress() string

	Stop(ctx context.Context) error
	// Start boots a stopped instance and reports whether it reached running
	Start(ctx context.Context) bool
	Delete(ctx context.Context) error

	// ConsoleLog returns the serial console text and whether any was available
	ConsoleLog(ctx context.Context) (string, bool, error)

	IsStarted(ctx context.Context) bool
	IsCreated(ctx context.Context) bool

	// AssignNewIP adds a secondary private IP to the primary interface
	AssignNewIP(ctx context.Context) error
	// RemoveAddedIP removes the IP added by AssignNewIP
	RemoveAddedIP(ctx context.Context) error
	// AnotherIP returns the secondary IP added by AssignNewIP
	AnotherIP() string
}

// NIC is a network interface that can be hot-plugged into an instance
type NIC interface {
	ID() string
	Create(ctx context.Context) error
	AttachToInstance(ctx context.Context, instanceID string, deviceIndex int32) error
	DetachFromInstance(ctx context.Context) error
	Delete(ctx context.Context) error
}
