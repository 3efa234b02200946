package source

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"companion-gateway/internal/config/schema"
	coreerrors "companion-gateway/internal/core/errors"
)

// YAMLSource reads one or more YAML files. Later files override earlier ones
// and files that do not exist are skipped. ${VAR} references in the file are
// replaced from the environment before parsing, which keeps secrets out of
// the file itself.
type YAMLSource struct {
	files []string
}

func NewYAMLSource(files ...string) *YAMLSource {
	return &YAMLSource{files: files}
}

func (s *YAMLSource) Name() string { return "yaml" }

func (s *YAMLSource) Priority() int { return PriorityYAML }

func (s *YAMLSource) LoadInto(cfg *schema.Root) error {
	for _, file := range s.files {
		if file == "" {
			continue
		}
		if err := decodeFile(resolveHome(file), cfg); err != nil {
			return err
		}
	}
	return nil
}

func decodeFile(path string, cfg *schema.Root) error {
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil
	case err != nil:
		return coreerrors.Wrapf(err, coreerrors.CodeConfigError, "read config file %q", path)
	}

	expanded := os.Expand(string(raw), func(name string) string {
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		// unknown references stay literal so a stray '$' in a value survives
		return "${" + name + "}"
	})

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return coreerrors.Wrapf(err, coreerrors.CodeConfigError, "parse config file %q", path)
	}
	return nil
}

// searchPaths lists where FindConfigFile looks when no file was given.
func searchPaths() []string {
	paths := []string{"gateway.yaml", "config.yaml"}
	if exe, err := os.Executable(); err == nil {
		paths = append(paths, filepath.Join(filepath.Dir(exe), "gateway.yaml"))
	}
	return append(paths, "/etc/companion-gateway/gateway.yaml")
}

// FindConfigFile returns explicit unchanged when set, otherwise the first
// search path that exists, or "" when none does.
func FindConfigFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, p := range searchPaths() {
		p = resolveHome(p)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// resolveHome expands a leading ~ to the user's home directory. The path is
// returned cleaned but otherwise untouched when the home directory is unknown.
func resolveHome(path string) string {
	if rest, ok := strings.CutPrefix(path, "~"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, rest)
		}
	}
	return filepath.Clean(path)
}
