// Package graphql is a small GraphQL server used as the application under
// test for gqltest.
//
// A Server is built from an SDL schema and Go resolver functions. It serves
// queries and mutations over HTTP (POST and GET), and subscriptions over
// WebSocket on the same path using the graphql-transport-ws protocol or the
// legacy subscriptions-transport-ws (graphql-ws) protocol.
//
// Basic usage:
//
//	broker := pubsub.New()
//
//	srv, err := graphql.NewServer(graphql.Config{
//	    Path: "/graphql",
//	    Schema: `
//	        type Notification { id: ID! message: String }
//	        type Query { notifications: [Notification] }
//	        type Mutation { addNotification(message: String): Notification }
//	        type Subscription { notificationAdded: Notification }
//	    `,
//	}, graphql.Resolvers{
//	    Fields: map[string]graphql.ResolverFunc{
//	        "Mutation.addNotification": func(p graphql.ResolveParams) (any, error) {
//	            n := map[string]any{"id": 1, "message": p.Args["message"]}
//	            err := p.PubSub.Publish(p.Context, "NOTIFICATION_ADDED",
//	                map[string]any{"notificationAdded": n})
//	            return n, err
//	        },
//	    },
//	    Subscriptions: map[string]graphql.SubscribeFunc{
//	        "notificationAdded": graphql.Topic("NOTIFICATION_ADDED"),
//	    },
//	}, graphql.WithPubSub(broker))
//
// A Server is an http.Handler, so it can be driven in-process. Listen binds
// it to an ephemeral port on 127.0.0.1; calling Listen again returns the
// address already bound.
//
// Subscription hooks:
//
//   - VerifyClient runs against the HTTP upgrade request and can refuse the
//     WebSocket connection (for example, by inspecting cookies or headers).
//   - OnConnect receives the connection_init payload and returns a value that
//     resolvers see through ConnectionContext, or an error that rejects the
//     connection with the error message as close reason.
package graphql
