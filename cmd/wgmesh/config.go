//go:build linux

package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nyiyui/wgmesh/device"
	"github.com/nyiyui/wgmesh/dns"
	"github.com/nyiyui/wgmesh/util"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// MeshRecord is the DNS name whose TXT records list the mesh members.
	MeshRecord string `yaml:"meshRecord" json:"meshRecord"`
	Interface  string `yaml:"interface" json:"interface"`
	// Resolver is the nameserver as host or host:port. Empty means the first nameserver in /etc/resolv.conf.
	Resolver string `yaml:"resolver" json:"resolver"`
	// Interval between passes. Zero runs a single pass.
	Interval util.Duration `yaml:"interval" json:"interval"`
	// DeviceAttempts bounds how often the device identity is read while the device does not exist yet.
	DeviceAttempts int           `yaml:"deviceAttempts" json:"deviceAttempts"`
	DeviceBackoff  util.Duration `yaml:"deviceBackoff" json:"deviceBackoff"`
}

func DefaultConfig() Config {
	return Config{
		Interface:      "wg0",
		DeviceAttempts: 10,
		DeviceBackoff:  util.Duration(time.Second),
	}
}

// LoadConfig reads a YAML config file on top of the defaults.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file failed: %w", err)
	}
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return Config{}, fmt.Errorf("parsing config file failed: %w", err)
	}
	return config, nil
}

// Overrides are the values given on the command line or in the environment.
// Empty values do not override.
type Overrides struct {
	Args     []string
	Resolver string
	Env      func(string) string
}

// Apply merges o into c. Precedence is flag, then environment, then config file.
func (c *Config) Apply(o Overrides) {
	if len(o.Args) > 0 {
		c.MeshRecord = o.Args[0]
	}
	if len(o.Args) > 1 {
		c.Interface = o.Args[1]
	}
	switch {
	case o.Resolver != "":
		c.Resolver = o.Resolver
	case o.Env != nil && o.Env(dns.ResolverEnv) != "":
		c.Resolver = o.Env(dns.ResolverEnv)
	}
}

func (c *Config) Validate() error {
	if c.MeshRecord == "" {
		return errors.New("no mesh record given")
	}
	if err := device.ValidateInterfaceName(c.Interface); err != nil {
		return err
	}
	if c.Interval < 0 {
		return errors.New("interval must not be negative")
	}
	if c.DeviceAttempts < 1 {
		return errors.New("deviceAttempts must be at least 1")
	}
	return nil
}
