package main

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/scitags/ipvs-go/api"
	"github.com/scitags/ipvs-go/exporter"
)

type Config struct {
	// StatePath points to a desired state kept in sync while serving.
	StatePath string `yaml:"statePath"`
	Watch     bool   `yaml:"watch"`
	Purge     bool   `yaml:"purge"`

	// Period between periodic reconciliations [s]. Zero disables them.
	Period uint `yaml:"period"`

	Exporter *exporter.Config `yaml:"exporter"`
	Api      *api.Config      `yaml:"api"`
}

func (c Config) String() string {
	m, err := yaml.MarshalWithOptions(c, yaml.Indent(2), yaml.IndentSequence(true))
	if err != nil {
		return "marshalling error..."
	}
	return string(m)
}

func (c *Config) UnmarshalYAML(b []byte) error {
	// Needed to break recursive calls into UnmarshalYAML
	type config Config

	def := &config{
		Watch:  true,
		Period: 60,
	}

	if err := yaml.Unmarshal(b, def); err != nil {
		return err
	}

	*c = Config(*def)

	return nil
}

func ReadConf(path string) (*Config, error) {
	r, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading the configuration file: %w", err)
	}

	conf := Config{}
	if err := yaml.Unmarshal(r, &conf); err != nil {
		return nil, fmt.Errorf("error unmarshaling the configuration: %w", err)
	}

	return &conf, nil
}
