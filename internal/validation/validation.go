package validation

import (
	"fmt"
	"regexp"
)

// EC2 resource IDs are a prefix followed by 8 (legacy) or 17 hex characters.
var (
	instanceIDPattern      = regexp.MustCompile(`^i-([0-9a-f]{8}|[0-9a-f]{17})$`)
	subnetIDPattern        = regexp.MustCompile(`^subnet-([0-9a-f]{8}|[0-9a-f]{17})$`)
	securityGroupIDPattern = regexp.MustCompile(`^sg-([0-9a-f]{8}|[0-9a-f]{17})$`)
)

// interfaceNamePattern matches kernel network interface names (IFNAMSIZ is 16,
// including the trailing NUL)
var interfaceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,14}$`)

// ValidateInstanceID validates an EC2 instance ID such as i-0123456789abcdef0
func ValidateInstanceID(id string) error {
	if !instanceIDPattern.MatchString(id) {
		return fmt.Errorf("invalid instance id %q: must be i- followed by 8 or 17 hex characters", id)
	}
	return nil
}

// ValidateSubnetID validates an EC2 subnet ID
func ValidateSubnetID(id string) error {
	if !subnetIDPattern.MatchString(id) {
		return fmt.Errorf("invalid subnet id %q: must be subnet- followed by 8 or 17 hex characters", id)
	}
	return nil
}

// ValidateSecurityGroupID validates an EC2 security group ID
func ValidateSecurityGroupID(id string) error {
	if !securityGroupIDPattern.MatchString(id) {
		return fmt.Errorf("invalid security group id %q: must be sg- followed by 8 or 17 hex characters", id)
	}
	return nil
}

// ValidateInterfaceName validates a guest network interface name
func ValidateInterfaceName(name string) error {
	if !interfaceNamePattern.MatchString(name) {
		return fmt.Errorf("invalid interface name %q: must be 1-15 characters, alphanumeric start", name)
	}
	return nil
}
