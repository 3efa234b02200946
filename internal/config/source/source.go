// Package source holds the layered configuration sources: built-in defaults,
// an optional YAML file and environment overrides.
package source

import (
	"cmp"
	"slices"

	"companion-gateway/internal/config/schema"
)

// Source applies the keys it knows about onto cfg and leaves the rest alone,
// so sources can be stacked.
type Source interface {
	Name() string
	// Priority orders sources; higher values are applied later and win.
	Priority() int
	LoadInto(cfg *schema.Root) error
}

const (
	PriorityDefaults = 1
	PriorityYAML     = 2
	PriorityEnv      = 3
)

// DefaultEnvPrefix is the prefix of environment overrides, e.g. COMPANION_SESSION_BUFFER_SIZE.
const DefaultEnvPrefix = "COMPANION"

// Ordered returns a copy of sources sorted lowest priority first. Sources with
// equal priority keep their registration order.
func Ordered(sources []Source) []Source {
	out := slices.Clone(sources)
	slices.SortStableFunc(out, func(a, b Source) int {
		return cmp.Compare(a.Priority(), b.Priority())
	})
	return out
}
