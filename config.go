package courier

// Engine configuration. A Config is typically parsed from YAML; the
// functional options in options.go layer programmatic overrides on top.

import (
	"os"

	"github.com/cockroachdb/errors"
	yaml "gopkg.in/yaml.v2"
)

// ClientNetworkConfig declares one client transport, keyed by channel.
// One provider instance is created per (header format, channel) pair.
type ClientNetworkConfig struct {
	Channel         string   `yaml:"channel"`
	Factory         string   `yaml:"factory"`
	BufferBlockSize int      `yaml:"buffer_block_size"`
	Aspects         []string `yaml:"aspects"`
}

// ServerNetworkConfig declares one listening transport.
type ServerNetworkConfig struct {
	Port            int      `yaml:"port"`
	Channel         string   `yaml:"channel"`
	Factory         string   `yaml:"factory"`
	BufferBlockSize int      `yaml:"buffer_block_size"`
	Aspects         []string `yaml:"aspects"`
}

type Config struct {
	// AppID names this node's application for gpid interception.
	AppID int32 `yaml:"app_id"`

	// PrimaryPort is the port peers use to reach this node. Defaults to
	// the first server network's port.
	PrimaryPort int `yaml:"primary_port"`

	ClientNetworks []ClientNetworkConfig `yaml:"client_networks"`
	ServerNetworks []ServerNetworkConfig `yaml:"server_networks"`

	// ForwardInheritsDeadline controls whether a FORWARD_TO_OTHERS
	// redirect re-issues with the remaining budget instead of the
	// original timeout. Off by default, matching long-standing behavior.
	ForwardInheritsDeadline bool `yaml:"forward_inherits_deadline"`

	// Log configures the process-wide structured logger; applied by
	// InitLogging, not by the engine itself.
	Log LogConfig `yaml:"log"`
}

const defaultBufferBlockSize = 65536

// DefaultConfig is a single-port TCP engine.
func DefaultConfig(port int) Config {
	return Config{
		PrimaryPort: port,
		ClientNetworks: []ClientNetworkConfig{
			{Channel: "tcp", Factory: "tcp", BufferBlockSize: defaultBufferBlockSize},
		},
		ServerNetworks: []ServerNetworkConfig{
			{Port: port, Channel: "tcp", Factory: "tcp", BufferBlockSize: defaultBufferBlockSize},
		},
	}
}

// LoadConfig parses a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config bytes and applies defaults.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse config")
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.ClientNetworks) == 0 {
		return ErrNoClientNetwork
	}
	for i := range c.ClientNetworks {
		n := &c.ClientNetworks[i]
		if _, err := ParseChannel(n.Channel); err != nil {
			return errors.Wrapf(err, "client network %d", i)
		}
		if n.Factory == "" {
			return errors.Newf("client network %d: factory is required", i)
		}
		if n.BufferBlockSize == 0 {
			n.BufferBlockSize = defaultBufferBlockSize
		}
	}
	for i := range c.ServerNetworks {
		n := &c.ServerNetworks[i]
		if n.Port <= MaxClientPort {
			return errors.Newf("server network %d: port %d is in the client range (must be > %d)",
				i, n.Port, MaxClientPort)
		}
		if _, err := ParseChannel(n.Channel); err != nil {
			return errors.Wrapf(err, "server network %d", i)
		}
		if n.Factory == "" {
			return errors.Newf("server network %d: factory is required", i)
		}
		if n.BufferBlockSize == 0 {
			n.BufferBlockSize = defaultBufferBlockSize
		}
	}
	if c.PrimaryPort == 0 && len(c.ServerNetworks) > 0 {
		c.PrimaryPort = c.ServerNetworks[0].Port
	}
	level, err := parseLogLevel(c.Log.Level)
	if err != nil {
		return err
	}
	if _, err := newLogHandler(c.Log.Format, level); err != nil {
		return err
	}
	return nil
}
