// Package pubsub provides an in-memory topic broker for GraphQL resolvers.
//
// Mutation resolvers publish events to a topic and subscription resolvers
// subscribe to one or more topics, receiving payloads on a channel:
//
//	broker := pubsub.New()
//
//	sub, err := broker.Subscribe(ctx, "NOTIFICATION_ADDED")
//	if err != nil {
//	    return nil, err
//	}
//	defer sub.Unsubscribe()
//
//	_ = broker.Publish(ctx, "NOTIFICATION_ADDED", map[string]any{"id": 1})
//
// Delivery is in publish order per subscription. Publish blocks while a
// subscriber's buffer is full, until the subscriber drains it, unsubscribes,
// or the publish context is done.
package pubsub
