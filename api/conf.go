package api

import (
	"github.com/goccy/go-yaml"
)

// Config controls where the read-only API listens. Anything it serves is
// readable by whoever can reach it, hence the loopback default.
type Config struct {
	// BindAddress is the address to listen on.
	BindAddress string `yaml:"bindAddress"`

	// BindPort is the TCP port to listen on. Zero picks an ephemeral one.
	BindPort uint16 `yaml:"bindPort"`
}

var DefaultConfig = Config{
	BindAddress: "127.0.0.1",
	BindPort:    7777,
}

func (c *Config) UnmarshalYAML(b []byte) error {
	// Needed to break recursive calls into UnmarshalYAML
	type config Config

	def := config(DefaultConfig)

	if err := yaml.Unmarshal(b, &def); err != nil {
		return err
	}

	*c = Config(def)

	return nil
}
