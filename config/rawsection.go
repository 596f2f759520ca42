package config

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// RawSection holds a config subtree as raw JSON so it can be handed to
// whichever component owns it. Unlike json.RawMessage it also decodes
// from YAML, re-encoding the mapping as JSON.
type RawSection []byte

// JSON returns the section as a json.RawMessage.
func (r RawSection) JSON() json.RawMessage { return json.RawMessage(r) }

// MarshalJSON implements json.Marshaler.
func (r RawSection) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *RawSection) UnmarshalJSON(data []byte) error {
	*r = append((*r)[:0], data...)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (r *RawSection) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("re-encode section as JSON: %w", err)
	}
	*r = data
	return nil
}
