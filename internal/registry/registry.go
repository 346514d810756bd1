// Package registry holds the static set of trusted backend clients that the
// M2M broker may mint tokens for. It is loaded once at startup.
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry is one trusted backend client. Secret is never logged.
type Entry struct {
	ID            string   `json:"id" yaml:"id"`
	Secret        string   `json:"secret" yaml:"secret"`
	AllowedScopes []string `json:"allowed_scopes,omitempty" yaml:"allowed_scopes,omitempty"`
	DefaultScope  string   `json:"default_scope,omitempty" yaml:"default_scope,omitempty"`
	Audience      string   `json:"audience,omitempty" yaml:"audience,omitempty"`
}

// Usable reports whether the entry carries the credentials needed to
// request a token.
func (e Entry) Usable() bool {
	return e.ID != "" && e.Secret != ""
}

// Registry maps logical client names to entries. It is immutable after
// construction and safe for concurrent use.
type Registry struct {
	entries map[string]Entry
}

// New builds a registry from a map. The map is copied.
func New(entries map[string]Entry) *Registry {
	cp := make(map[string]Entry, len(entries))
	for name, e := range entries {
		cp[name] = e
	}

	return &Registry{entries: cp}
}

// Lookup returns the entry registered under name.
func (r *Registry) Lookup(name string) (Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

// Names returns the registered client names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Load reads the registry from the inline JSON document when non-empty,
// otherwise from the file at path. Files ending in .yaml or .yml are parsed
// as YAML, anything else as JSON. When neither source is configured the
// registry is empty and a warning is logged; every broker request will then
// fail with an unknown client.
func Load(inlineJSON, path string, logger *slog.Logger) (*Registry, error) {
	var (
		entries map[string]Entry
		source  string
	)

	switch {
	case strings.TrimSpace(inlineJSON) != "":
		if err := json.Unmarshal([]byte(inlineJSON), &entries); err != nil {
			return nil, fmt.Errorf("invalid JSON in GATE_CLIENTS_JSON: %w", err)
		}

		source = "GATE_CLIENTS_JSON"
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading GATE_CLIENTS_FILE: %w", err)
		}

		entries, err = parseFile(path, data)
		if err != nil {
			return nil, err
		}

		source = path
	default:
		logger.Warn("no client registry configured, M2M broker will reject all clients",
			slog.String("hint", "set GATE_CLIENTS_JSON or GATE_CLIENTS_FILE"),
		)

		return New(nil), nil
	}

	reg := New(entries)

	for _, name := range reg.Names() {
		if e, _ := reg.Lookup(name); !e.Usable() {
			logger.Warn("client registry entry missing id or secret",
				slog.String("client", name),
			)
		}
	}

	logger.Info("client registry loaded",
		slog.String("source", source),
		slog.Int("clients", reg.Len()),
	)

	return reg, nil
}

func parseFile(path string, data []byte) (map[string]Entry, error) {
	var entries map[string]Entry

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("invalid JSON in %s: %w", path, err)
		}
	}

	return entries, nil
}
