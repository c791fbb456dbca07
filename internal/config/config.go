package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/kriansa/guestcheck/internal/validation"
)

const (
	// DefaultConfigPath is the default location for the config file
	DefaultConfigPath = "guestcheck.toml"
	// DefaultSSHUser is the login user of RHEL images on EC2
	DefaultSSHUser = "ec2-user"
	// DefaultSSHPort is the guest sshd port
	DefaultSSHPort = 22
	// DefaultSSHWaitTimeout bounds reconnect attempts to a guest
	DefaultSSHWaitTimeout = 180 * time.Second
	// DefaultCommandTimeout is used when a command does not set its own timeout
	DefaultCommandTimeout = 60 * time.Second
	// DefaultInterface is the primary guest interface under test
	DefaultInterface = "eth0"
	// DefaultResultsFile receives the JUnit report of a CLI run
	DefaultResultsFile = "guestcheck-results.xml"
)

// Config holds the suite configuration
type Config struct {
	// Region is the AWS region the instances live in
	Region string `toml:"region" validate:"required"`
	// Instances lists the instance IDs under test, one per node
	Instances []string `toml:"instances" validate:"required,min=1,dive,instanceid"`
	// SSH configures the remote sessions
	SSH SSHConfig `toml:"ssh"`
	// Network configures NIC hotplug resources and the interface under test
	Network NetworkConfig `toml:"network"`
	// InstanceType holds the expectations for the instance type under test
	InstanceType InstanceParams `toml:"instance_type"`
	// CommandTimeout is the default per-command timeout
	CommandTimeout time.Duration `toml:"command_timeout" validate:"gte=0"`
	// SkipConsoleLog disables console log capture when a session dies
	SkipConsoleLog bool `toml:"skip_console_log"`
	// DmesgAllowlist holds kernel log fragments that never fail a dmesg check
	DmesgAllowlist []string `toml:"dmesg_allowlist"`
	// ResultsFile is where the CLI writes the JUnit report
	ResultsFile string `toml:"results_file"`
	// LogFile optionally receives a rotating debug log
	LogFile string `toml:"log_file"`
}

// SSHConfig holds the remote session settings
type SSHConfig struct {
	User        string        `toml:"user"`
	KeyPath     string        `toml:"key_path" validate:"required"`
	Port        int           `toml:"port" validate:"gte=0,lte=65535"`
	WaitTimeout time.Duration `toml:"wait_timeout" validate:"gte=0"`
}

// NetworkConfig holds the resources used by hotplug cases
type NetworkConfig struct {
	Interface      string   `toml:"interface" validate:"omitempty,ifname"`
	SubnetID       string   `toml:"subnet_id" validate:"omitempty,subnetid"`
	SecurityGroups []string `toml:"security_groups" validate:"dive,sgid"`
}

// InstanceParams describes what the instance type is expected to provide
type InstanceParams struct {
	// NetPerf is the advertised bandwidth in Gbit/s; 0 means "moderate"
	NetPerf int `toml:"net_perf" validate:"gte=0"`
	// ENA is greater than zero when the type ships ENA
	ENA int `toml:"ena" validate:"gte=0"`
	// IXGBEVF is greater than zero when the type ships the Intel VF driver
	IXGBEVF int `toml:"ixgbevf" validate:"gte=0"`
}

// Overrides carries CLI flag values; empty values are ignored
type Overrides struct {
	Region      string
	Instances   []string
	SSHUser     string
	SSHKeyPath  string
	ResultsFile string
	LogFile     string
}

// Load loads configuration from a TOML file
// Returns an empty config if the file doesn't exist
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// Merge merges CLI flags into the config, with CLI flags taking precedence
// over config file values.
func (c *Config) Merge(o Overrides) {
	if o.Region != "" {
		c.Region = o.Region
	}
	if len(o.Instances) > 0 {
		c.Instances = o.Instances
	}
	if o.SSHUser != "" {
		c.SSH.User = o.SSHUser
	}
	if o.SSHKeyPath != "" {
		c.SSH.KeyPath = o.SSHKeyPath
	}
	if o.ResultsFile != "" {
		c.ResultsFile = o.ResultsFile
	}
	if o.LogFile != "" {
		c.LogFile = o.LogFile
	}
}

// ApplyDefaults applies default values for any unset fields
func (c *Config) ApplyDefaults() {
	if c.SSH.User == "" {
		c.SSH.User = DefaultSSHUser
	}
	if c.SSH.Port == 0 {
		c.SSH.Port = DefaultSSHPort
	}
	if c.SSH.WaitTimeout == 0 {
		c.SSH.WaitTimeout = DefaultSSHWaitTimeout
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.Network.Interface == "" {
		c.Network.Interface = DefaultInterface
	}
	if c.ResultsFile == "" {
		c.ResultsFile = DefaultResultsFile
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	err := newValidator().Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	register := func(tag string, fn func(string) error) {
		_ = v.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
			return fn(fl.Field().String()) == nil
		})
	}
	register("instanceid", validation.ValidateInstanceID)
	register("subnetid", validation.ValidateSubnetID)
	register("sgid", validation.ValidateSecurityGroupID)
	register("ifname", validation.ValidateInterfaceName)
	return v
}
