package mcpclient

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Config describes a client and its transport as loaded from a YAML file. The
// transport options block is kind-specific and decoded lazily by BuildTransport,
// so adding a transport kind does not change the top-level schema.
type Config struct {
	Client struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"client"`

	// Timeouts use Go duration syntax, e.g. "30s" or "1m30s".
	RequestTimeout string `yaml:"requestTimeout"`
	CloseTimeout   string `yaml:"closeTimeout"`

	Transport struct {
		Kind    string         `yaml:"kind"`
		Options map[string]any `yaml:"options"`
	} `yaml:"transport"`

	requestTimeout time.Duration
	closeTimeout   time.Duration
}

type stdioTransportOptions struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

type sseTransportOptions struct {
	URL            string `mapstructure:"url"`
	MaxPayloadSize int    `mapstructure:"maxPayloadSize"`
}

// LoadConfig reads and validates a Config from the YAML file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Client.Name == "" {
		return nil, fmt.Errorf("config %s: client.name is required", path)
	}
	if cfg.Transport.Kind == "" {
		return nil, fmt.Errorf("config %s: transport.kind is required", path)
	}

	if cfg.RequestTimeout != "" {
		d, err := time.ParseDuration(cfg.RequestTimeout)
		if err != nil {
			return nil, fmt.Errorf("config %s: invalid requestTimeout: %w", path, err)
		}
		cfg.requestTimeout = d
	}
	if cfg.CloseTimeout != "" {
		d, err := time.ParseDuration(cfg.CloseTimeout)
		if err != nil {
			return nil, fmt.Errorf("config %s: invalid closeTimeout: %w", path, err)
		}
		cfg.closeTimeout = d
	}

	return &cfg, nil
}

// ClientInfo returns the client identity declared in the config.
func (c *Config) ClientInfo() Info {
	return Info{
		Name:    c.Client.Name,
		Version: c.Client.Version,
	}
}

// ClientOptions returns the client options derived from the config's timeout
// settings. Zero values fall back to the client defaults.
func (c *Config) ClientOptions() []ClientOption {
	var opts []ClientOption
	if c.requestTimeout > 0 {
		opts = append(opts, WithRequestTimeout(c.requestTimeout))
	}
	if c.closeTimeout > 0 {
		opts = append(opts, WithCloseTimeout(c.closeTimeout))
	}
	return opts
}

// BuildTransport constructs the transport the config describes. Supported kinds
// are "stdio", which launches a child process and speaks over its pipes, and
// "sse", which connects to an HTTP event stream.
func (c *Config) BuildTransport() (Transport, error) {
	switch c.Transport.Kind {
	case "stdio":
		var opts stdioTransportOptions
		if err := mapstructure.Decode(c.Transport.Options, &opts); err != nil {
			return nil, fmt.Errorf("failed to decode stdio transport options: %w", err)
		}
		if opts.Command == "" {
			return nil, fmt.Errorf("stdio transport: command is required")
		}
		return NewCommandStdIO(opts.Command, opts.Args...)
	case "sse":
		var opts sseTransportOptions
		if err := mapstructure.Decode(c.Transport.Options, &opts); err != nil {
			return nil, fmt.Errorf("failed to decode sse transport options: %w", err)
		}
		if opts.URL == "" {
			return nil, fmt.Errorf("sse transport: url is required")
		}
		var sseOpts []SSEClientOption
		if opts.MaxPayloadSize > 0 {
			sseOpts = append(sseOpts, WithSSEClientMaxPayloadSize(opts.MaxPayloadSize))
		}
		return NewSSEClient(opts.URL, nil, sseOpts...), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", c.Transport.Kind)
	}
}
