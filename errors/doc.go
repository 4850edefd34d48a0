// Package errors provides standardized error handling patterns for runwatch.
//
// # Overview
//
// The package implements a three-class error classification system for the
// event delivery pipeline: Transient (temporary, retryable), Invalid (bad
// input, non-retryable), and Fatal (unrecoverable, stop processing).
//
// The delivery-path error taxonomy maps onto these classes as follows:
//
//   - Authorization failures (bad broadcast key): Invalid — fatal to that call,
//     never retried.
//   - Stale connections (send to a dead subscriber): Transient — recovered
//     locally by registry self-pruning, never surfaced to the publisher.
//   - Transport failures (stream dropped, connect refused): Transient —
//     recovered by the multiplexer's reconnect loop.
//   - Decode failures (one bad frame): Invalid — the frame is skipped, the
//     stream continues.
//   - Validation failures (recognized envelope, missing fields): Invalid —
//     each field degrades to its default, the fold never aborts.
//
// # Error Wrapping Pattern
//
// All error wrapping follows the standardized format:
//
//	"component.method: action failed: %w"
//
// Three wrapper functions provide classification-aware wrapping:
//
//	errors.WrapTransient(err, "Component", "Method", "action")
//	errors.WrapInvalid(err, "Component", "Method", "action")
//	errors.WrapFatal(err, "Component", "Method", "action")
//
// The generic Wrap() preserves the original error's classification. All types
// support errors.Is/As and wrapping chains; context.DeadlineExceeded and
// context.Canceled classify as Transient.
package errors
