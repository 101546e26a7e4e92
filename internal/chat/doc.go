// Package chat implements the conversation session engine.
//
// A Session turns user text into a validated, rate-guarded, streamed call to
// the generation provider, accumulates the streamed output, classifies
// failures, drives bounded automatic retries and maintains a size-bounded
// conversation history. Sessions are created through a Manager; the HTTP API
// in package api is a thin layer over Session methods.
//
// Component map:
//   - message.go:  Role, Part, Message — the conversation data model
//   - store.go:    Conversation — ordered message log with truncation
//   - validate.go: Validator — input rejection and content sanitizing
//   - errors.go:   Error, Kind, Classify — the failure taxonomy
//   - client.go:   Streamer interface and the Gemini implementation
//   - gate.go:     Gate — single in-flight call per session
//   - retry.go:    RetryPolicy — exponential backoff schedule
//   - circuit.go:  CircuitBreaker — provider-level failure breaker
//   - session.go:  Session — the state machine orchestrating the above
//   - manager.go:  Manager — uuid-keyed session registry
package chat
