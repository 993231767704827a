// Package gqltest drives a GraphQL server from Go tests.
//
// Queries and mutations are injected straight into the server's
// http.Handler, so no port is needed for them. Subscriptions run over a
// real WebSocket connection speaking graphql-transport-ws (or the legacy
// graphql-ws protocol with WithProtocol). The connection is opened on the
// first Subscribe and shared by later subscriptions with the same
// ConnectionConfig.
//
// # Basic Usage
//
//	func TestNotifications(t *testing.T) {
//	    srv := newServer(t) // any http.Handler, optionally a gqltest.Listener
//	    client := gqltest.NewForTest(t, srv)
//	    ctx := context.Background()
//
//	    rec := gqltest.NewRecorder()
//	    sub, err := client.Subscribe(ctx, gqltest.SubscriptionRequest{
//	        Query:   gqltest.Text(`subscription { notificationAdded { message } }`),
//	        OnData:  rec.OnData,
//	        OnError: rec.OnError,
//	    })
//	    if err != nil {
//	        t.Fatal(err)
//	    }
//	    defer sub.Unsubscribe(ctx)
//
//	    _, err = client.Mutate(ctx, gqltest.Text(`mutation { addNotification(message: "hi") { id } }`), nil)
//	    if err != nil {
//	        t.Fatal(err)
//	    }
//
//	    data, err := rec.Next(ctx)
//	    if err != nil {
//	        t.Fatal(err)
//	    }
//	    gqltest.AssertPath(t, data, "$.notificationAdded.message", "hi")
//	}
//
// # Listeners
//
// A server that implements Listener is bound by the client when it is not
// listening yet, and that listener is stopped again when its last
// subscription ends or the client is closed. A server that is already
// listening is reused and left running. Servers that only implement
// http.Handler get a private httptest.Server for subscriptions.
//
// # Errors
//
// Documents are checked before any I/O and fail with *QueryParseError.
// Connection problems are reported as *ConnectionError, GraphQL errors as
// *GraphQLOperationError and socket failures as *TransportError. Errors
// that happen after Subscribe returned go to SubscriptionRequest.OnError
// and Subscription.Err.
package gqltest
