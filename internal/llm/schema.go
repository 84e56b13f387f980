package llm

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://mealplanner.local/schemas/"

var (
	schemaOnce sync.Once
	schemaErr  error
	schemas    map[string]*jsonschema.Schema
)

func loadSchemas() error {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		entries, err := schemaFS.ReadDir("schemas")
		if err != nil {
			schemaErr = err
			return
		}
		compiled := make(map[string]*jsonschema.Schema, len(entries))
		for _, e := range entries {
			data, err := schemaFS.ReadFile("schemas/" + e.Name())
			if err != nil {
				schemaErr = err
				return
			}
			url := schemaBaseURL + e.Name()
			if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
				schemaErr = fmt.Errorf("schema load failed: %w", err)
				return
			}
			s, err := c.Compile(url)
			if err != nil {
				schemaErr = fmt.Errorf("schema compile failed: %w", err)
				return
			}
			compiled[strings.TrimSuffix(e.Name(), ".schema.json")] = s
		}
		schemas = compiled
	})
	return schemaErr
}

// validateJSON checks raw model output against a named schema.
func validateJSON(name string, raw []byte) error {
	if err := loadSchemas(); err != nil {
		return err
	}
	s, ok := schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("%s output failed validation: %w", name, err)
	}
	return nil
}

// extractJSON returns the outermost JSON object in text, tolerating code fences
// and surrounding prose.
func extractJSON(text string) ([]byte, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no json object in model output")
	}
	return []byte(text[start : end+1]), nil
}
