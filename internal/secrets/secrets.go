// Package secrets wraps connector credentials in a type that refuses to leak
// them.
//
// Secret values cross exactly one boundary: [Store.Get]. Stringification and
// serialization of the store produce redacted output, so a store accidentally
// handed to a logger or JSON encoder exposes key names at most.
package secrets

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Store holds secret key-value pairs behind a redacting wrapper.
type Store struct {
	values map[string]string
}

// NewStore wraps the given values. The map is copied.
func NewStore(values map[string]string) *Store {
	copied := make(map[string]string, len(values))
	for key, value := range values {
		copied[key] = value
	}

	return &Store{values: copied}
}

// LoadDir reads every *.yaml / *.yml file under dir as a flat string mapping
// and merges them into one store. A missing directory yields an empty store.
func LoadDir(dir string) (*Store, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return NewStore(nil), nil
		}

		return nil, fmt.Errorf("read secrets dir %q: %w", dir, err)
	}

	values := map[string]string{}

	for _, entry := range entries {
		if entry.IsDir() || !isYAMLFile(entry.Name()) {
			continue
		}

		path := filepath.Join(dir, entry.Name())

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, fmt.Errorf("read secrets file %q: %w", path, readErr)
		}

		var fileValues map[string]string

		unmarshalErr := yaml.Unmarshal(data, &fileValues)
		if unmarshalErr != nil {
			return nil, fmt.Errorf("parse secrets file %q: %w", path, unmarshalErr)
		}

		for key, value := range fileValues {
			values[key] = value
		}
	}

	return NewStore(values), nil
}

// Get returns the secret value for key. This is the only way a value leaves
// the store.
func (s *Store) Get(key string) (string, bool) {
	value, ok := s.values[key]

	return value, ok
}

// Has reports whether key exists without exposing its value.
func (s *Store) Has(key string) bool {
	_, ok := s.values[key]

	return ok
}

// Keys returns the sorted secret key names.
func (s *Store) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for key := range s.values {
		keys = append(keys, key)
	}

	slices.Sort(keys)

	return keys
}

// String implements fmt.Stringer with a fixed redaction marker.
func (s *Store) String() string {
	return "[ProtectedSecrets]"
}

// Format implements fmt.Formatter so %v, %+v, and %#v all redact.
func (s *Store) Format(state fmt.State, _ rune) {
	_, _ = state.Write([]byte(s.String()))
}

// MarshalJSON emits a keys-only shape.
func (s *Store) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Redacted bool     `json:"redacted"`
		Keys     []string `json:"keys"`
	}{Redacted: true, Keys: s.Keys()})
}

// MarshalYAML emits the same keys-only shape as MarshalJSON.
func (s *Store) MarshalYAML() (any, error) {
	return map[string]any{"redacted": true, "keys": s.Keys()}, nil
}

func isYAMLFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))

	return ext == ".yaml" || ext == ".yml"
}
