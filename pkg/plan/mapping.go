package plan

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// OrderedMap is a YAML mapping that keeps declaration order and rejects
// duplicate keys.
type OrderedMap[V any] struct {
	Keys   []string
	Values map[string]V
}

// Len returns the number of entries.
func (m OrderedMap[V]) Len() int {
	return len(m.Keys)
}

// Get returns the value for key.
func (m OrderedMap[V]) Get(key string) (V, bool) {
	v, ok := m.Values[key]
	return v, ok
}

// Has reports whether key is declared.
func (m OrderedMap[V]) Has(key string) bool {
	_, ok := m.Values[key]
	return ok
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *OrderedMap[V]) UnmarshalYAML(value *yaml.Node) error {
	m.Keys = nil
	m.Values = make(map[string]V)

	if value.Kind == yaml.ScalarNode && value.Tag == "!!null" {
		return nil
	}
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping", value.Line)
	}

	for i := 0; i+1 < len(value.Content); i += 2 {
		keyNode, valNode := value.Content[i], value.Content[i+1]
		if keyNode.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: mapping keys must be scalars", keyNode.Line)
		}
		key := keyNode.Value
		if _, dup := m.Values[key]; dup {
			return fmt.Errorf("line %d: duplicate key %q", keyNode.Line, key)
		}

		var v V
		if err := valNode.Decode(&v); err != nil {
			return fmt.Errorf("key %q: %w", key, err)
		}
		m.Keys = append(m.Keys, key)
		m.Values[key] = v
	}
	return nil
}
