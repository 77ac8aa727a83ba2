package jobspec

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

// Load reads, validates and resolves a manifest from the given file path.
//
// The file format is determined by extension: .yaml/.yml for YAML, .json for JSON.
// If the extension is unrecognized, YAML is attempted first, then JSON.
// script_file entries are read relative to the manifest's directory.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("manifest file not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading manifest: %s", path)
		}
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes parses and validates a manifest from raw bytes.
//
// The raw document is checked against the job-manifest schema before it is
// decoded, so unknown fields are reported with their location. The path
// parameter is used for error messages, format detection and as the base
// for script_file entries.
func LoadFromBytes(data []byte, path string) (*Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("manifest file is empty")
	}

	raw, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(raw); err != nil {
		return nil, err
	}

	m, err := parseManifest(data, path)
	if err != nil {
		return nil, err
	}
	m.ApplyDefaults()
	if err := Validate(m); err != nil {
		return nil, err
	}
	if err := resolveScriptFiles(m, filepath.Dir(path)); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadFromReader reads and validates a manifest from an io.Reader.
func LoadFromReader(r io.Reader, path string) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return LoadFromBytes(data, path)
}

func parseManifest(data []byte, path string) (*Manifest, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return parseJSON(data)
	case ".yaml", ".yml":
		return parseYAML(data)
	default:
		m, yamlErr := parseYAML(data)
		if yamlErr == nil {
			return m, nil
		}
		m, jsonErr := parseJSON(data)
		if jsonErr == nil {
			return m, nil
		}
		return nil, fmt.Errorf("failed to parse manifest (tried YAML and JSON): %w", yamlErr)
	}
}

// toJSON returns data as JSON for schema validation. YAML is converted; JSON
// is checked for syntax and passed through.
func toJSON(data []byte, path string) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		if !json.Valid(data) {
			var v any
			return nil, fmt.Errorf("invalid JSON in manifest: %w", json.Unmarshal(data, &v))
		}
		return data, nil
	}

	var doc any
	yamlErr := yaml.Unmarshal(data, &doc)
	if yamlErr != nil {
		if ext != ".yaml" && ext != ".yml" {
			if json.Valid(data) {
				return data, nil
			}
			return nil, fmt.Errorf("failed to parse manifest (tried YAML and JSON): %w", yamlErr)
		}
		return nil, fmt.Errorf("invalid YAML in manifest: %w", yamlErr)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("convert manifest to JSON: %w", err)
	}
	return out, nil
}

func parseJSON(data []byte) (*Manifest, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("invalid JSON in manifest: %w", err)
	}
	return &m, nil
}

func parseYAML(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("invalid YAML in manifest: %w", err)
	}
	return &m, nil
}

func resolveScriptFiles(m *Manifest, baseDir string) error {
	for i := range m.Jobs {
		j := &m.Jobs[i]
		if j.ScriptFile == "" {
			continue
		}
		p := j.ScriptFile
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("jobs[%d]: read script_file: %w", i, err)
		}
		if len(bytes.TrimSpace(data)) == 0 {
			return fmt.Errorf("jobs[%d]: script_file %s is empty", i, j.ScriptFile)
		}
		j.Script = string(data)
	}
	return nil
}
