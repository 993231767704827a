package graphql

import (
	"fmt"
	"os"
	"sort"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
)

// Schema represents a parsed GraphQL schema with convenient accessors
// for queries, mutations, and subscriptions.
type Schema struct {
	ast    *ast.Schema
	source string
}

// ParseSchema parses a GraphQL SDL string and returns a Schema.
func ParseSchema(sdl string) (*Schema, error) {
	return loadSchema("schema", sdl)
}

// ParseSchemaFile parses a GraphQL schema from a file and returns a Schema.
func ParseSchemaFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file %s: %w", path, err)
	}
	return loadSchema(path, string(data))
}

func loadSchema(name, sdl string) (*Schema, error) {
	schema, err := gqlparser.LoadSchema(&ast.Source{Name: name, Input: sdl})
	if err != nil {
		return nil, fmt.Errorf("failed to parse GraphQL schema: %w", err)
	}
	return &Schema{ast: schema, source: sdl}, nil
}

// AST returns the underlying gqlparser AST schema.
func (s *Schema) AST() *ast.Schema {
	return s.ast
}

// Source returns the original SDL source string.
func (s *Schema) Source() string {
	return s.source
}

// GetType returns a type definition by name, or nil if not found.
func (s *Schema) GetType(name string) *ast.Definition {
	return s.ast.Types[name]
}

// RootType returns the root definition for an operation kind, or nil.
func (s *Schema) RootType(op ast.Operation) *ast.Definition {
	switch op {
	case ast.Query:
		return s.ast.Query
	case ast.Mutation:
		return s.ast.Mutation
	case ast.Subscription:
		return s.ast.Subscription
	}
	return nil
}

// GetField returns a field definition by type and field name.
func (s *Schema) GetField(typeName, fieldName string) *ast.FieldDefinition {
	def := s.GetType(typeName)
	if def == nil {
		return nil
	}
	return def.Fields.ForName(fieldName)
}

// HasSubscription returns true if the schema has a subscription type with fields.
func (s *Schema) HasSubscription() bool {
	return s.ast.Subscription != nil && len(s.ast.Subscription.Fields) > 0
}

// ListSubscriptions returns all subscription field names in sorted order.
func (s *Schema) ListSubscriptions() []string {
	if s.ast.Subscription == nil {
		return nil
	}
	names := make([]string, 0, len(s.ast.Subscription.Fields))
	for _, f := range s.ast.Subscription.Fields {
		if !isIntrospectionField(f.Name) {
			names = append(names, f.Name)
		}
	}
	sort.Strings(names)
	return names
}

// Validate checks that the schema defines a Query type with at least one field.
func (s *Schema) Validate() error {
	if s.ast.Query == nil || len(s.ast.Query.Fields) == 0 {
		return fmt.Errorf("schema must define a Query type with at least one field")
	}
	return nil
}

// isIntrospectionField returns true if the field name is a built-in introspection field.
func isIntrospectionField(name string) bool {
	return len(name) >= 2 && name[0] == '_' && name[1] == '_'
}

// possibleType reports whether object type def can stand in for typeName.
func (s *Schema) possibleType(def *ast.Definition, typeName string) bool {
	if def.Name == typeName {
		return true
	}
	target := s.GetType(typeName)
	if target == nil {
		return false
	}
	for _, p := range s.ast.GetPossibleTypes(target) {
		if p.Name == def.Name {
			return true
		}
	}
	return false
}
