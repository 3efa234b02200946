// Package loader provides multi-source configuration loading
package loader

import (
	"companion-gateway/internal/config/schema"
	"companion-gateway/internal/config/source"
	"companion-gateway/internal/config/validator"
	coreerrors "companion-gateway/internal/core/errors"
	corelog "companion-gateway/internal/core/log"
)

// Loader loads configuration from multiple sources in priority order
type Loader struct {
	sources      []source.Source
	skipValidate bool
}

// NewLoader creates a new Loader
func NewLoader() *Loader {
	return &Loader{}
}

// AddSource adds a configuration source
func (l *Loader) AddSource(s source.Source) {
	l.sources = append(l.sources, s)
}

// SetSkipValidate disables validation after loading
func (l *Loader) SetSkipValidate(skip bool) {
	l.skipValidate = skip
}

// Load applies sources from lowest to highest priority, then validates the result
func (l *Loader) Load() (*schema.Root, error) {
	if len(l.sources) == 0 {
		return nil, coreerrors.New(coreerrors.CodeConfigError, "no configuration sources registered")
	}

	cfg := &schema.Root{}
	for _, s := range source.Ordered(l.sources) {
		corelog.Debugf("Config: loading source %s (priority %d)", s.Name(), s.Priority())
		if err := s.LoadInto(cfg); err != nil {
			return nil, coreerrors.Wrapf(err, coreerrors.CodeConfigError,
				"failed to load configuration from source %s", s.Name())
		}
	}

	if !l.skipValidate {
		if err := validator.Validate(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Builder assembles the standard source chain: defaults, YAML file, environment
type Builder struct {
	prefix       string
	configFile   string
	skipValidate bool
}

// NewBuilder creates a new Builder
func NewBuilder() *Builder {
	return &Builder{prefix: source.DefaultEnvPrefix}
}

// WithPrefix sets the environment variable prefix
func (b *Builder) WithPrefix(prefix string) *Builder {
	b.prefix = prefix
	return b
}

// WithConfigFile sets the configuration file path
func (b *Builder) WithConfigFile(path string) *Builder {
	b.configFile = path
	return b
}

// WithSkipValidate disables validation, for tooling that only reads a few keys
func (b *Builder) WithSkipValidate(skip bool) *Builder {
	b.skipValidate = skip
	return b
}

// Build creates the configured Loader
func (b *Builder) Build() *Loader {
	l := NewLoader()
	l.AddSource(source.NewDefaultSource())
	if file := source.FindConfigFile(b.configFile); file != "" {
		l.AddSource(source.NewYAMLSource(file))
		corelog.Debugf("Config: using file %s", file)
	}
	l.AddSource(source.NewEnvSource(b.prefix))
	l.SetSkipValidate(b.skipValidate)
	return l
}

// Load is a shortcut for NewBuilder().WithConfigFile(path).Build().Load()
func Load(path string) (*schema.Root, error) {
	return NewBuilder().WithConfigFile(path).Build().Load()
}
