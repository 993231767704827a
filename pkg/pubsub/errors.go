package pubsub

import "errors"

// Common errors for the pubsub package.
var (
	// ErrClosed indicates the broker has been closed.
	ErrClosed = errors.New("broker closed")
	// ErrNoTopics indicates Subscribe was called without a topic.
	ErrNoTopics = errors.New("at least one topic is required")
	// ErrEmptyTopic indicates an empty topic name.
	ErrEmptyTopic = errors.New("topic cannot be empty")
)
