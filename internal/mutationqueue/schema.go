package mutationqueue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaFileSuffix = ".schema.json"

// Validator holds one compiled JSON Schema per entity type. Entity types
// without a schema are accepted as-is; delete payloads are never checked.
type Validator struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func NewValidator() *Validator {
	return &Validator{schemas: map[string]*jsonschema.Schema{}}
}

func (v *Validator) Register(entityType string, schemaJSON []byte) error {
	entityType = strings.TrimSpace(entityType)
	if entityType == "" {
		return fmt.Errorf("%w: entity type is required", ErrInvalidInput)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("unmarshal schema for %s: %w", entityType, err)
	}
	resource := entityType + schemaFileSuffix
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resource, doc); err != nil {
		return fmt.Errorf("add schema resource for %s: %w", entityType, err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", entityType, err)
	}
	v.mu.Lock()
	v.schemas[entityType] = schema
	v.mu.Unlock()
	return nil
}

// LoadDir registers every <entityType>.schema.json file found in dir and
// returns the entity types it registered.
func (v *Validator) LoadDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var loaded []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, schemaFileSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return loaded, err
		}
		entityType := strings.TrimSuffix(name, schemaFileSuffix)
		if err := v.Register(entityType, data); err != nil {
			return loaded, err
		}
		loaded = append(loaded, entityType)
	}
	return loaded, nil
}

func (v *Validator) Validate(entityType string, op Operation, payload json.RawMessage) error {
	if v == nil || op == OpDelete {
		return nil
	}
	v.mu.RLock()
	schema, ok := v.schemas[entityType]
	v.mu.RUnlock()
	if !ok {
		return nil
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %s payload is not JSON: %v", ErrInvalidPayload, entityType, err)
	}
	if err := schema.Validate(parsed); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, entityType, err)
	}
	return nil
}
