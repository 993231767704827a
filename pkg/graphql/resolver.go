package graphql

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/getmockd/gqltest/pkg/pubsub"
	"github.com/vektah/gqlparser/v2/ast"
)

// ResolveParams is passed to every resolver.
type ResolveParams struct {
	// Context is the request context. For subscriptions it carries the value
	// returned by OnConnect, see ConnectionContext.
	Context context.Context
	// Source is the parent value (the published event for root subscription fields).
	Source any
	// Args holds coerced argument values.
	Args map[string]any
	// Field is the field being resolved.
	Field *ast.Field
	// PubSub is the server's broker.
	PubSub *pubsub.Broker
	// Logger is the server logger.
	Logger *slog.Logger
}

// ResolverFunc resolves a query, mutation or object field.
type ResolverFunc func(p ResolveParams) (any, error)

// SubscribeFunc starts an event stream for a subscription root field.
// The channel should stop producing once p.Context is done.
// Each event becomes the source value of the subscription field.
type SubscribeFunc func(p ResolveParams) (<-chan any, error)

// Resolvers maps schema fields to Go functions.
type Resolvers struct {
	// Fields maps "Type.field" paths (e.g. "Query.user", "Mutation.addUser",
	// "User.fullName") to resolvers. Fields without a resolver are read from
	// the parent value by name.
	Fields map[string]ResolverFunc
	// Subscriptions maps subscription field names to event sources.
	Subscriptions map[string]SubscribeFunc
}

// validate checks every resolver key against the schema.
func (r Resolvers) validate(s *Schema) error {
	for key := range r.Fields {
		fp := ParseFieldPath(key)
		if fp.TypeName == "" || s.GetField(fp.TypeName, fp.FieldName) == nil {
			return fmt.Errorf("resolver %q does not match a schema field", key)
		}
	}
	for name := range r.Subscriptions {
		if s.ast.Subscription == nil || s.ast.Subscription.Fields.ForName(name) == nil {
			return fmt.Errorf("subscription resolver %q does not match a Subscription field", name)
		}
	}
	return nil
}

// Topic returns a SubscribeFunc that streams every payload published to the
// given topics on the server broker. This matches the usual pattern where a
// mutation publishes {"<field>": value} and the subscription field reads its
// value from the published payload.
func Topic(topics ...string) SubscribeFunc {
	return func(p ResolveParams) (<-chan any, error) {
		if p.PubSub == nil {
			return nil, fmt.Errorf("no pubsub broker configured")
		}
		sub, err := p.PubSub.Subscribe(p.Context, topics...)
		if err != nil {
			return nil, err
		}

		out := make(chan any)
		go func() {
			defer close(out)
			defer func() { _ = sub.Unsubscribe() }()
			for {
				select {
				case <-p.Context.Done():
					return
				case <-sub.Done():
					return
				case msg := <-sub.C():
					select {
					case out <- msg.Payload:
					case <-p.Context.Done():
						return
					}
				}
			}
		}()
		return out, nil
	}
}

type connectionContextKey struct{}

// ConnectionContext returns the value OnConnect produced for the WebSocket
// connection serving ctx, or nil outside subscriptions.
func ConnectionContext(ctx context.Context) any {
	return ctx.Value(connectionContextKey{})
}

func withConnectionContext(ctx context.Context, v any) context.Context {
	return context.WithValue(ctx, connectionContextKey{}, v)
}
