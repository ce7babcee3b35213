package providers

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaSet compiles provider payload schemas once and validates payloads
// against them.
type SchemaSet struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func NewSchemaSet() *SchemaSet {
	return &SchemaSet{compiled: map[string]*jsonschema.Schema{}}
}

// Validate checks payload against the schema registered for provider. An
// empty schema accepts every payload.
func (s *SchemaSet) Validate(provider string, schema string, payload any) error {
	if strings.TrimSpace(schema) == "" {
		return nil
	}
	compiled, err := s.compile(provider, schema)
	if err != nil {
		return err
	}
	if err := compiled.Validate(payload); err != nil {
		return fmt.Errorf("providers: payload does not match %s schema: %w", provider, err)
	}
	return nil
}

func (s *SchemaSet) compile(provider string, schema string) (*jsonschema.Schema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if compiled, ok := s.compiled[provider]; ok {
		return compiled, nil
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schema))
	if err != nil {
		return nil, fmt.Errorf("providers: parse %s schema: %w", provider, err)
	}
	location := "mem://providers/" + provider + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(location, doc); err != nil {
		return nil, fmt.Errorf("providers: register %s schema: %w", provider, err)
	}
	compiled, err := compiler.Compile(location)
	if err != nil {
		return nil, fmt.Errorf("providers: compile %s schema: %w", provider, err)
	}
	s.compiled[provider] = compiled
	return compiled, nil
}
