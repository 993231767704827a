package graphql

import "time"

// Config configures a Server.
type Config struct {
	// Path is the URL path where the endpoint is served. Defaults to /graphql.
	Path string `json:"path" yaml:"path"`
	// Schema is the inline GraphQL SDL schema definition.
	Schema string `json:"schema,omitempty" yaml:"schema,omitempty"`
	// SchemaFile is the path to a file containing the GraphQL SDL schema.
	SchemaFile string `json:"schemaFile,omitempty" yaml:"schemaFile,omitempty"`
	// Subscription configures the WebSocket endpoint.
	Subscription SubscriptionConfig `json:"subscription,omitempty" yaml:"subscription,omitempty"`
}

// SubscriptionConfig configures the WebSocket subscription endpoint.
type SubscriptionConfig struct {
	// Disabled turns the WebSocket endpoint off.
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	// ConnectionInitTimeout closes connections that do not send
	// connection_init in time (e.g. "3s"). Defaults to 10s.
	ConnectionInitTimeout string `json:"connectionInitTimeout,omitempty" yaml:"connectionInitTimeout,omitempty"`
	// SkipOriginVerify skips verification of the Origin header during the
	// WebSocket handshake. Default: true.
	SkipOriginVerify *bool `json:"skipOriginVerify,omitempty" yaml:"skipOriginVerify,omitempty"`
}

// DefaultPath is the endpoint path used when Config.Path is empty.
const DefaultPath = "/graphql"

// DefaultConnectionInitTimeout bounds the wait for connection_init.
const DefaultConnectionInitTimeout = 10 * time.Second

// GraphQLError represents a GraphQL error in the response format.
type GraphQLError struct {
	// Message is the error message.
	Message string `json:"message"`
	// Locations indicates where in the query the error occurred.
	Locations []GraphQLErrorLocation `json:"locations,omitempty"`
	// Path is the response field path where the error occurred.
	Path []any `json:"path,omitempty"`
	// Extensions contains additional error metadata.
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Error implements the error interface.
func (e *GraphQLError) Error() string { return e.Message }

// GraphQLErrorLocation represents a location in the GraphQL query where an error occurred.
type GraphQLErrorLocation struct {
	// Line is the line number (1-indexed).
	Line int `json:"line"`
	// Column is the column number (1-indexed).
	Column int `json:"column"`
}

// GraphQLRequest represents an incoming GraphQL request.
type GraphQLRequest struct {
	// Query is the GraphQL query string.
	Query string `json:"query"`
	// OperationName is the name of the operation to execute (for multi-operation documents).
	OperationName string `json:"operationName,omitempty"`
	// Variables are the variable values for the query.
	Variables map[string]any `json:"variables,omitempty"`
}

// GraphQLResponse represents a GraphQL response.
type GraphQLResponse struct {
	// Data contains the result of the query execution.
	Data any `json:"data,omitempty"`
	// Errors contains any errors that occurred during execution.
	Errors []GraphQLError `json:"errors,omitempty"`
	// Extensions contains additional response metadata.
	Extensions map[string]any `json:"extensions,omitempty"`
}

// FieldPath represents a path to a field in the schema (e.g., "Query.user").
type FieldPath struct {
	// TypeName is the parent type name (e.g., "Query", "Mutation", "User").
	TypeName string
	// FieldName is the field name.
	FieldName string
}

// String returns the string representation of the field path.
func (fp FieldPath) String() string {
	return fp.TypeName + "." + fp.FieldName
}

// ParseFieldPath parses a field path string (e.g., "Query.user") into a FieldPath.
func ParseFieldPath(path string) FieldPath {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			return FieldPath{
				TypeName:  path[:i],
				FieldName: path[i+1:],
			}
		}
	}
	// No dot found, treat the whole string as a field name
	return FieldPath{FieldName: path}
}
