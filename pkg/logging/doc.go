// Package logging provides structured logging configuration for gqltest.
//
// This package wraps log/slog so the test client, the reference GraphQL
// server and the in-memory broker all log the same way. It supports
// configurable log levels and output formats, and a handler that writes
// through testing.TB so log lines show up next to the test that produced them.
//
// # Usage
//
//	logger := logging.New(logging.Config{
//	    Level:  logging.LevelDebug,
//	    Format: logging.FormatText,
//	})
//
//	logger.Debug("connection opened", "addr", "127.0.0.1:4280")
//
// Inside a test:
//
//	logger := logging.NewTest(t, logging.LevelDebug)
//
// # Integration
//
// Components accept a *slog.Logger through an option or a setter.
// If no logger is provided they fall back to logging.Nop().
package logging
