package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/yosuke-furukawa/json5"
	"gopkg.in/yaml.v3"
)

const includeKey = "include"
const includeKeyAlt = "$include"

// Load reads path, resolves $include directives and ${ENV} expansion, and
// decodes the merged result into a Config. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	raw, err := loadRawRecursive(path, map[string]bool{})
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := decodeRawConfig(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

func loadRawRecursive(path string, seen map[string]bool) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve path %s: %w", path, err)
	}
	if seen[abs] {
		return nil, fmt.Errorf("config: include cycle detected at %s", abs)
	}
	seen[abs] = true

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", abs, err)
	}
	expanded := os.ExpandEnv(string(data))

	raw, err := parseRawBytes(abs, []byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", abs, err)
	}

	includes, rest := extractIncludes(raw)
	merged := map[string]any{}
	base := filepath.Dir(abs)
	for _, inc := range includes {
		incPath := inc
		if !filepath.IsAbs(incPath) {
			incPath = filepath.Join(base, incPath)
		}
		child, err := loadRawRecursive(incPath, seen)
		if err != nil {
			return nil, err
		}
		merged = mergeMaps(merged, child)
	}
	return mergeMaps(merged, rest), nil
}

func parseRawBytes(path string, data []byte) (map[string]any, error) {
	ext := filepath.Ext(path)
	out := map[string]any{}
	switch ext {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &out); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&out); err != nil && err != io.EOF {
			return nil, err
		}
		var extra any
		if err := dec.Decode(&extra); err != io.EOF && err != nil {
			return nil, err
		} else if err == nil {
			return nil, fmt.Errorf("%s: expected a single YAML document", path)
		}
	}
	return out, nil
}

// extractIncludes pulls "include"/"$include" out of raw (accepting a single
// string or a list of strings) and returns the remaining keys separately.
func extractIncludes(raw map[string]any) (includes []string, rest map[string]any) {
	rest = map[string]any{}
	for k, v := range raw {
		if k != includeKey && k != includeKeyAlt {
			rest[k] = v
			continue
		}
		switch t := v.(type) {
		case string:
			includes = append(includes, t)
		case []string:
			includes = append(includes, t...)
		case []any:
			for _, e := range t {
				if s, ok := e.(string); ok {
					includes = append(includes, s)
				}
			}
		}
	}
	return includes, rest
}

// mergeMaps deep-merges override into base, preferring override's scalar
// values and recursing into nested maps present on both sides.
func mergeMaps(base, override map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if existing, ok := out[k]; ok {
			existingMap, eok := toStringMap(existing)
			overrideMap, ook := toStringMap(v)
			if eok && ook {
				out[k] = mergeMaps(existingMap, overrideMap)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func toStringMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			m[ks] = val
		}
		return m, true
	default:
		return nil, false
	}
}

// decodeRawConfig re-marshals the merged generic map to YAML and decodes it
// into cfg with strict (unknown-field-rejecting) semantics, following the
// same re-encode trick the teacher's loader uses to get structured decoding
// out of a map[string]any merge tree.
func decodeRawConfig(raw map[string]any, cfg *Config) error {
	buf, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return err
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return fmt.Errorf("expected a single YAML document")
		}
		return err
	}
	return nil
}
