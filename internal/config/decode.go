package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	yaml "go.yaml.in/yaml/v3"
)

// DecodeString parses a configuration blob whose format is not known in
// advance. YAML is tried first (it also covers JSON); when the text is not a
// YAML mapping, TOML is attempted before giving up.
func DecodeString(text string) (*Document, error) {
	data := []byte(text)

	jb, yerr := coerceYAML(data)
	if yerr == nil {
		return decodeStrict(jb)
	}

	jb, terr := coerceTOML(data)
	if terr == nil {
		return decodeStrict(jb)
	}

	return nil, fmt.Errorf("config is neither YAML/JSON (%v) nor TOML (%v)", yerr, terr)
}

// DecodeFile parses data using the format implied by the file extension:
// ".toml" uses TOML, everything else YAML/JSON.
func DecodeFile(path string, data []byte) (*Document, error) {
	var (
		jb  []byte
		err error
	)
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		jb, err = coerceTOML(data)
	} else {
		jb, err = coerceYAML(data)
	}
	if err != nil {
		return nil, err
	}
	return decodeStrict(jb)
}

// decodeStrict decodes JSON bytes into a Document, rejecting unknown fields
// in the host-owned sections (the app section is kept raw).
func decodeStrict(jb []byte) (*Document, error) {
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// coerceYAML converts YAML (or JSON, a YAML subset) to JSON bytes so the
// strict JSON decoder covers both formats.
func coerceYAML(data []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	if v == nil {
		v = map[string]any{}
	}
	v = normalizeKeys(v)
	if _, ok := v.(map[string]any); !ok {
		return nil, fmt.Errorf("yaml: top level is not a mapping")
	}

	j, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, nil
}

// coerceTOML converts TOML to JSON bytes the same way.
func coerceTOML(data []byte) ([]byte, error) {
	var v map[string]any
	if err := toml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("toml unmarshal: %w", err)
	}
	j, err := json.Marshal(normalizeKeys(v))
	if err != nil {
		return nil, fmt.Errorf("toml->json marshal: %w", err)
	}
	return j, nil
}

// normalizeKeys ensures all map keys are strings so the result can be
// JSON-marshaled.
func normalizeKeys(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeKeys(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeKeys(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeKeys(x[i])
		}
		return x
	default:
		return in
	}
}
