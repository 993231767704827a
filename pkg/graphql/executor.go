package graphql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"strconv"

	"github.com/getmockd/gqltest/pkg/logging"
	"github.com/getmockd/gqltest/pkg/pubsub"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/validator"
)

// RequestError is returned by Subscribe when the operation cannot start.
type RequestError struct {
	Errors []GraphQLError
}

func (e *RequestError) Error() string {
	if len(e.Errors) == 0 {
		return "graphql request error"
	}
	return e.Errors[0].Message
}

// Executor executes GraphQL operations against Go resolvers.
type Executor struct {
	schema    *Schema
	resolvers Resolvers
	pubsub    *pubsub.Broker
	log       *slog.Logger
}

// NewExecutor creates a new GraphQL executor with the given schema and resolvers.
func NewExecutor(schema *Schema, resolvers Resolvers, broker *pubsub.Broker, logger *slog.Logger) *Executor {
	return &Executor{
		schema:    schema,
		resolvers: resolvers,
		pubsub:    broker,
		log:       logging.OrNop(logger),
	}
}

// Execute executes a query or mutation and returns a response.
// Subscriptions are rejected; they are served by Subscribe.
func (e *Executor) Execute(ctx context.Context, req *GraphQLRequest) *GraphQLResponse {
	op, vars, errs := e.prepare(req)
	if len(errs) > 0 {
		return &GraphQLResponse{Errors: errs}
	}
	if op.Operation == ast.Subscription {
		return &GraphQLResponse{
			Errors: []GraphQLError{{Message: "subscriptions must be sent over a WebSocket connection"}},
		}
	}

	root := e.schema.RootType(op.Operation)
	if root == nil {
		return &GraphQLResponse{
			Errors: []GraphQLError{{Message: fmt.Sprintf("schema does not support %s operations", op.Operation)}},
		}
	}

	x := &execution{executor: e, ctx: ctx, vars: vars}
	data, _ := x.executeFields(root, nil, op.SelectionSet, nil)
	return x.response(data)
}

// Subscribe starts a subscription and returns a channel of responses, one
// per event. The channel is closed when the event source ends or ctx is done.
func (e *Executor) Subscribe(ctx context.Context, req *GraphQLRequest) (<-chan *GraphQLResponse, error) {
	op, vars, errs := e.prepare(req)
	if len(errs) > 0 {
		return nil, &RequestError{Errors: errs}
	}
	if op.Operation != ast.Subscription {
		return nil, &RequestError{Errors: []GraphQLError{{Message: fmt.Sprintf("expected a subscription operation, got %s", op.Operation)}}}
	}

	root := e.schema.RootType(ast.Subscription)
	x := &execution{executor: e, ctx: ctx, vars: vars}
	fields := x.collectFields(root, op.SelectionSet, map[string]bool{})
	if len(fields) != 1 {
		return nil, &RequestError{Errors: []GraphQLError{{Message: "subscription must select exactly one top level field"}}}
	}
	field := fields[0]

	fn, ok := e.resolvers.Subscriptions[field.Name]
	if !ok {
		return nil, &RequestError{Errors: []GraphQLError{{
			Message: fmt.Sprintf("no subscription resolver for %q", field.Name),
			Path:    []any{responseKey(field)},
		}}}
	}

	source, err := fn(ResolveParams{
		Context: ctx,
		Args:    x.argumentMap(field),
		Field:   field,
		PubSub:  e.pubsub,
		Logger:  e.log,
	})
	if err != nil {
		return nil, &RequestError{Errors: []GraphQLError{{Message: err.Error(), Path: []any{responseKey(field)}}}}
	}

	out := make(chan *GraphQLResponse)
	go func() {
		defer close(out)
		for {
			var event any
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-source:
				if !ok {
					return
				}
				event = ev
			}

			ex := &execution{executor: e, ctx: ctx, vars: vars}
			data, _ := ex.executeFields(root, event, op.SelectionSet, nil)
			select {
			case out <- ex.response(data):
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// prepare parses and validates the request and coerces its variables.
func (e *Executor) prepare(req *GraphQLRequest) (*ast.OperationDefinition, map[string]any, []GraphQLError) {
	if req == nil || req.Query == "" {
		return nil, nil, []GraphQLError{{Message: "query is required"}}
	}

	doc, gqlErrs := gqlparser.LoadQuery(e.schema.AST(), req.Query)
	if len(gqlErrs) > 0 {
		return nil, nil, convertErrors(gqlErrs)
	}

	op := doc.Operations.ForName(req.OperationName)
	if op == nil {
		if req.OperationName != "" {
			return nil, nil, []GraphQLError{{Message: fmt.Sprintf("operation %q not found", req.OperationName)}}
		}
		return nil, nil, []GraphQLError{{Message: "operation name is required when the document contains several operations"}}
	}

	vars, err := validator.VariableValues(e.schema.AST(), op, req.Variables)
	if err != nil {
		var gqlErr *gqlerror.Error
		if errors.As(err, &gqlErr) {
			return nil, nil, convertErrors(gqlerror.List{gqlErr})
		}
		return nil, nil, []GraphQLError{{Message: err.Error()}}
	}

	return op, vars, nil
}

// convertErrors maps gqlparser errors onto the response format.
func convertErrors(list gqlerror.List) []GraphQLError {
	out := make([]GraphQLError, 0, len(list))
	for _, err := range list {
		ge := GraphQLError{Message: err.Message, Extensions: err.Extensions}
		for _, loc := range err.Locations {
			ge.Locations = append(ge.Locations, GraphQLErrorLocation{Line: loc.Line, Column: loc.Column})
		}
		out = append(out, ge)
	}
	return out
}

// execution holds the state of one operation run.
type execution struct {
	executor *Executor
	ctx      context.Context
	vars     map[string]any
	errs     []GraphQLError
}

func (x *execution) response(data map[string]any) *GraphQLResponse {
	resp := &GraphQLResponse{Errors: x.errs}
	if data != nil {
		resp.Data = data
	}
	return resp
}

func (x *execution) fail(path []any, format string, args ...any) {
	x.errs = append(x.errs, GraphQLError{
		Message: fmt.Sprintf(format, args...),
		Path:    append([]any(nil), path...),
	})
}

// executeFields resolves a selection set against objType. The boolean result
// is false when a non-null field failed and the object must become null.
func (x *execution) executeFields(objType *ast.Definition, source any, selections ast.SelectionSet, path []any) (map[string]any, bool) {
	result := make(map[string]any)

	for _, field := range x.collectFields(objType, selections, map[string]bool{}) {
		key := responseKey(field)
		fieldPath := append(append([]any(nil), path...), key)

		if field.Name == "__typename" {
			result[key] = objType.Name
			continue
		}

		def := objType.Fields.ForName(field.Name)
		if def == nil {
			x.fail(fieldPath, "cannot query field %q on type %q", field.Name, objType.Name)
			return nil, false
		}

		value, err := x.resolveField(objType, source, field)
		if err != nil {
			x.fail(fieldPath, "%s", err.Error())
			if def.Type.NonNull {
				return nil, false
			}
			result[key] = nil
			continue
		}

		completed, ok := x.completeValue(def.Type, value, field, fieldPath)
		if !ok {
			return nil, false
		}
		result[key] = completed
	}

	return result, true
}

func (x *execution) resolveField(objType *ast.Definition, source any, field *ast.Field) (any, error) {
	path := FieldPath{TypeName: objType.Name, FieldName: field.Name}.String()
	if fn, ok := x.executor.resolvers.Fields[path]; ok {
		return fn(ResolveParams{
			Context: x.ctx,
			Source:  source,
			Args:    x.argumentMap(field),
			Field:   field,
			PubSub:  x.executor.pubsub,
			Logger:  x.executor.log,
		})
	}
	return defaultResolve(source, field.Name)
}

// defaultResolve reads a property from the parent value: map keys directly,
// anything else through its JSON representation.
func defaultResolve(source any, name string) (any, error) {
	switch s := source.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return s[name], nil
	default:
		data, err := json.Marshal(source)
		if err != nil {
			return nil, fmt.Errorf("cannot read field %q from %T: %w", name, source, err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("cannot read field %q from %T", name, source)
		}
		return m[name], nil
	}
}

// completeValue shapes a resolved value according to its schema type.
// A false result propagates null to the parent.
func (x *execution) completeValue(t *ast.Type, value any, field *ast.Field, path []any) (any, bool) {
	if isNil(value) {
		if t.NonNull {
			x.fail(path, "cannot return null for non-nullable field %s", field.Name)
			return nil, false
		}
		return nil, true
	}

	if t.Elem != nil {
		rv := reflect.ValueOf(value)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			x.fail(path, "expected a list for field %s, got %T", field.Name, value)
			return nil, !t.NonNull
		}
		items := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			item, ok := x.completeValue(t.Elem, rv.Index(i).Interface(), field, append(append([]any(nil), path...), i))
			if !ok {
				return nil, !t.NonNull
			}
			items[i] = item
		}
		return items, true
	}

	def := x.executor.schema.GetType(t.NamedType)
	if def == nil {
		x.fail(path, "unknown type %s", t.NamedType)
		return nil, !t.NonNull
	}

	switch def.Kind {
	case ast.Scalar, ast.Enum:
		out, err := serializeScalar(def.Name, value)
		if err != nil {
			x.fail(path, "%s", err.Error())
			return nil, !t.NonNull
		}
		return out, true

	case ast.Object:
		obj, ok := x.executeFields(def, value, field.SelectionSet, path)
		if !ok {
			return nil, !t.NonNull
		}
		return obj, true

	case ast.Interface, ast.Union:
		concrete := x.resolveAbstractType(def, value)
		if concrete == nil {
			x.fail(path, "abstract type %s must resolve to an object type at runtime for field %s", def.Name, field.Name)
			return nil, !t.NonNull
		}
		obj, ok := x.executeFields(concrete, value, field.SelectionSet, path)
		if !ok {
			return nil, !t.NonNull
		}
		return obj, true
	}

	return value, true
}

// resolveAbstractType picks the object type for an interface or union value.
// Values carry their type in a "__typename" key; a single possible type is
// used when they do not.
func (x *execution) resolveAbstractType(def *ast.Definition, value any) *ast.Definition {
	schema := x.executor.schema
	if m, ok := value.(map[string]any); ok {
		if name, ok := m["__typename"].(string); ok {
			if obj := schema.GetType(name); obj != nil && schema.possibleType(obj, def.Name) {
				return obj
			}
			return nil
		}
	}
	possible := schema.AST().GetPossibleTypes(def)
	if len(possible) == 1 {
		return possible[0]
	}
	return nil
}

// collectFields flattens fragments and applies @skip/@include.
// Fields sharing a response key are merged.
func (x *execution) collectFields(objType *ast.Definition, selections ast.SelectionSet, visited map[string]bool) []*ast.Field {
	var fields []*ast.Field
	index := make(map[string]int)

	var walk func(ast.SelectionSet)
	walk = func(set ast.SelectionSet) {
		for _, sel := range set {
			switch s := sel.(type) {
			case *ast.Field:
				if !x.shouldInclude(s.Directives) {
					continue
				}
				key := responseKey(s)
				if i, ok := index[key]; ok {
					merged := *fields[i]
					merged.SelectionSet = append(append(ast.SelectionSet(nil), merged.SelectionSet...), s.SelectionSet...)
					fields[i] = &merged
					continue
				}
				index[key] = len(fields)
				fields = append(fields, s)

			case *ast.InlineFragment:
				if !x.shouldInclude(s.Directives) {
					continue
				}
				if s.TypeCondition == "" || x.executor.schema.possibleType(objType, s.TypeCondition) {
					walk(s.SelectionSet)
				}

			case *ast.FragmentSpread:
				if !x.shouldInclude(s.Directives) || visited[s.Name] || s.Definition == nil {
					continue
				}
				visited[s.Name] = true
				if x.executor.schema.possibleType(objType, s.Definition.TypeCondition) {
					walk(s.Definition.SelectionSet)
				}
			}
		}
	}
	walk(selections)

	return fields
}

func (x *execution) shouldInclude(directives ast.DirectiveList) bool {
	if d := directives.ForName("skip"); d != nil && x.directiveIf(d) {
		return false
	}
	if d := directives.ForName("include"); d != nil && !x.directiveIf(d) {
		return false
	}
	return true
}

func (x *execution) directiveIf(d *ast.Directive) bool {
	arg := d.Arguments.ForName("if")
	if arg == nil {
		return false
	}
	v, err := arg.Value.Value(x.vars)
	if err != nil {
		return false
	}
	b, _ := v.(bool)
	return b
}

func (x *execution) argumentMap(field *ast.Field) map[string]any {
	if field.Definition != nil {
		return field.ArgumentMap(x.vars)
	}
	args := make(map[string]any, len(field.Arguments))
	for _, arg := range field.Arguments {
		v, err := arg.Value.Value(x.vars)
		if err == nil {
			args[arg.Name] = v
		}
	}
	return args
}

func responseKey(field *ast.Field) string {
	if field.Alias != "" {
		return field.Alias
	}
	return field.Name
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

// serializeScalar coerces a resolved value to the output form of a
// built-in scalar. Custom scalars and enums pass through.
func serializeScalar(typeName string, value any) (any, error) {
	switch typeName {
	case "ID":
		switch v := value.(type) {
		case string:
			return v, nil
		case fmt.Stringer:
			return v.String(), nil
		}
		if n, ok := toInt(value); ok {
			return strconv.FormatInt(n, 10), nil
		}
		return nil, fmt.Errorf("ID cannot represent value: %v", value)

	case "Int":
		n, ok := toInt(value)
		if !ok || n > math.MaxInt32 || n < math.MinInt32 {
			return nil, fmt.Errorf("Int cannot represent value: %v", value)
		}
		return n, nil

	case "Float":
		rv := reflect.ValueOf(value)
		switch rv.Kind() {
		case reflect.Float32, reflect.Float64:
			return rv.Float(), nil
		}
		if n, ok := toInt(value); ok {
			return float64(n), nil
		}
		return nil, fmt.Errorf("Float cannot represent value: %v", value)

	case "String":
		switch v := value.(type) {
		case string:
			return v, nil
		case fmt.Stringer:
			return v.String(), nil
		}
		return fmt.Sprint(value), nil

	case "Boolean":
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("Boolean cannot represent value: %v", value)
		}
		return b, nil
	}
	return value, nil
}

// toInt converts integer kinds and whole floats (as decoded from JSON) to int64.
func toInt(value any) (int64, bool) {
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return 0, false
		}
		return int64(u), true
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if f != math.Trunc(f) {
			return 0, false
		}
		return int64(f), true
	}
	return 0, false
}
