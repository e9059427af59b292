// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"sigs.k8s.io/yaml"

	"github.com/pgbulk/pgbulk/internal/defaults"
	"github.com/pgbulk/pgbulk/pkg/pgerrors"
)

//go:embed schema.json
var schemaJSON []byte

var (
	compiledSchema     *jsonschema.Schema
	compiledSchemaOnce sync.Once
	compiledSchemaErr  error
)

func compiled() (*jsonschema.Schema, error) {
	compiledSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
		if err != nil {
			compiledSchemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", doc); err != nil {
			compiledSchemaErr = err
			return
		}
		compiledSchema, compiledSchemaErr = c.Compile("schema.json")
	})
	return compiledSchema, compiledSchemaErr
}

// Load reads and validates a load specification from path, which may be
// YAML or JSON (YAML is converted to JSON first via a sigs.k8s.io/yaml
// round-trip).
func Load(path string) (*Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &pgerrors.ConfigError{Reason: fmt.Sprintf("reading %s: %s", path, err)}
	}
	return Parse(raw)
}

// Parse validates and decodes a YAML or JSON load specification document.
func Parse(doc []byte) (*Spec, error) {
	jsonBytes, err := yaml.YAMLToJSON(doc)
	if err != nil {
		return nil, &pgerrors.ConfigError{Reason: fmt.Sprintf("invalid YAML: %s", err)}
	}

	sch, err := compiled()
	if err != nil {
		return nil, fmt.Errorf("compiling load-specification schema: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(jsonBytes))
	if err != nil {
		return nil, &pgerrors.ConfigError{Reason: fmt.Sprintf("invalid JSON: %s", err)}
	}
	if err := sch.Validate(instance); err != nil {
		return nil, &pgerrors.ConfigError{Reason: err.Error()}
	}

	var spec Spec
	if err := json.Unmarshal(jsonBytes, &spec); err != nil {
		return nil, &pgerrors.ConfigError{Reason: err.Error()}
	}

	if err := defaults.Apply(&spec); err != nil {
		return nil, err
	}

	if err := applyAbsentBoolDefaults(jsonBytes, &spec); err != nil {
		return nil, err
	}

	if err := resolveSkipLines(jsonBytes, &spec); err != nil {
		return nil, err
	}

	return &spec, nil
}

// applyAbsentBoolDefaults sets the true-by-default booleans for every key
// the document omits. Struct-tag defaulting cannot tell an explicit false
// from an omitted key, so these are resolved by key presence instead.
func applyAbsentBoolDefaults(jsonBytes []byte, spec *Spec) error {
	var doc struct {
		CreateTables *bool `json:"create_tables"`
		ForeignKeys  *bool `json:"foreign_keys"`
		ResetSeqs    *bool `json:"reset_sequences"`
		Tables       []struct {
			Columns []struct {
				Nullable *bool `json:"nullable"`
			} `json:"columns"`
		} `json:"tables"`
	}
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return &pgerrors.ConfigError{Reason: err.Error()}
	}

	if doc.CreateTables == nil {
		spec.CreateTables = true
	}
	if doc.ForeignKeys == nil {
		spec.ForeignKeys = true
	}
	if doc.ResetSeqs == nil {
		spec.ResetSeqs = true
	}
	for i := range doc.Tables {
		if i >= len(spec.Tables) {
			break
		}
		for j, col := range doc.Tables[i].Columns {
			if j >= len(spec.Tables[i].Columns) {
				break
			}
			if col.Nullable == nil {
				spec.Tables[i].Columns[j].Nullable = true
			}
		}
	}
	return nil
}

// resolveSkipLines handles the historical "skip-line"/"skip-lines" key
// pair: both spellings are accepted; disagreement between them is a loud
// pgerrors.ConfigError rather than a silently preferred spelling.
func resolveSkipLines(jsonBytes []byte, spec *Spec) error {
	var doc struct {
		Tables []map[string]json.RawMessage `json:"tables"`
	}
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return &pgerrors.ConfigError{Reason: err.Error()}
	}

	for i, rawTable := range doc.Tables {
		if i >= len(spec.Tables) || spec.Tables[i].FixedWidth == nil {
			continue
		}
		fwRaw, ok := rawTable["fixed_width"]
		if !ok {
			continue
		}
		var fw map[string]json.RawMessage
		if err := json.Unmarshal(fwRaw, &fw); err != nil {
			return &pgerrors.ConfigError{Reason: err.Error()}
		}
		n, err := resolveSkipLinesKeys(fw)
		if err != nil {
			return &pgerrors.ConfigError{Reason: fmt.Sprintf("table %q: %s", spec.Tables[i].Name, err)}
		}
		spec.Tables[i].FixedWidth.SkipLines = n
	}
	return nil
}

func resolveSkipLinesKeys(fw map[string]json.RawMessage) (int, error) {
	var singular, plural *int

	if raw, ok := fw["skip-line"]; ok {
		var n int
		if err := json.Unmarshal(raw, &n); err != nil {
			return 0, err
		}
		singular = &n
	}
	if raw, ok := fw["skip-lines"]; ok {
		var n int
		if err := json.Unmarshal(raw, &n); err != nil {
			return 0, err
		}
		plural = &n
	}

	switch {
	case singular == nil && plural == nil:
		return 0, nil
	case singular != nil && plural != nil:
		if *singular != *plural {
			return 0, fmt.Errorf("skip-line=%d conflicts with skip-lines=%d", *singular, *plural)
		}
		return *plural, nil
	case plural != nil:
		return *plural, nil
	default:
		return *singular, nil
	}
}
