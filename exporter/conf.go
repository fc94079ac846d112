package exporter

import (
	"github.com/goccy/go-yaml"
)

type Config struct {
	Log bool `yaml:"log"`

	// Namespace prefixes every metric name.
	Namespace string `yaml:"namespace"`

	// ProcPath is where procfs is mounted. Global counters are skipped
	// when it's empty.
	ProcPath string `yaml:"procPath"`

	// Timeout bounds each scrape's round trips to the kernel [ms].
	Timeout uint `yaml:"timeout"`
}

var DefaultConfig = Config{
	Log:       true,
	Namespace: "ipvs",
	ProcPath:  "/proc",
	Timeout:   5000,
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
