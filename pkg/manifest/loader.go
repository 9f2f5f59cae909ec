package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a catalog manifest from path. Files ending in .json are read as
// JSON; anything else is read as YAML, which also accepts JSON documents.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return LoadFromBytes(data, path)
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("manifest file not found: %s", path)
	case errors.Is(err, os.ErrPermission):
		return nil, fmt.Errorf("permission denied reading manifest: %s", path)
	default:
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
}

// LoadFromReader is Load for an already opened source; name selects the format.
func LoadFromReader(r io.Reader, name string) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return LoadFromBytes(data, name)
}

// LoadFromBytes decodes data, checks the document against the catalog schema
// before it is bound to a Manifest, applies defaults and validates the
// result.
func LoadFromBytes(data []byte, name string) (*Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("manifest file is empty")
	}

	doc, err := toJSON(data, name)
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(doc); err != nil {
		return nil, err
	}

	m := new(Manifest)
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	m.ApplyDefaults()

	if err := Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

// toJSON normalizes a manifest document to JSON so that one schema serves
// both input formats.
func toJSON(data []byte, name string) ([]byte, error) {
	if strings.EqualFold(filepath.Ext(name), ".json") {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("invalid JSON in manifest: %w", err)
		}
		return data, nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("invalid YAML in manifest: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("invalid YAML in manifest: %w", err)
	}
	return out, nil
}
