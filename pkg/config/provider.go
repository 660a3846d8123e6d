package config

// Provider abstracts the configuration source so callers do not care
// whether the run configuration came from a YAML file or somewhere else.
type Provider interface {
	LoadConfig() (*Config, error)
}
