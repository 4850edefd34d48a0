// Package runwatch provides a broadcast broker for workflow run observability,
// fanning execution events out from producing engines to connected observers
// with bounded replay for late joiners.
//
// # Architecture
//
// One HTTP process carries the whole path from producer to observer:
//
//	┌──────────────┐   POST /broadcast    ┌─────────────────────┐
//	│  Workflow    ├─────────────────────→│   Ingress           │
//	│  Engine      │   Bearer access key  │   (validate, auth)  │
//	└──────────────┘                      └─────────┬───────────┘
//	                                                │ record
//	                                      ┌─────────▼───────────┐
//	                                      │   Backlog Store     │
//	                                      │  (ring / JetStream) │
//	                                      └─────────┬───────────┘
//	                                                │ publish
//	                                      ┌─────────▼───────────┐
//	                                      │  Connection         │
//	                                      │  Registry (broker)  │
//	                                      └───┬──────────┬──────┘
//	                                          │          │
//	                                   /ws    │          │  /events
//	                                ┌─────────▼──┐  ┌────▼────────┐
//	                                │ WebSocket  │  │  SSE        │
//	                                │ observers  │  │  observers  │
//	                                └────────────┘  └─────────────┘
//
// Multi-instance deployments relay each broadcast over a NATS subject so
// every broker instance delivers to its locally attached connections. The
// registry backend (memory or NATS) and the backlog backend (memory ring or
// JetStream) are selected by configuration; nothing else changes.
//
// # Packages
//
// Server side:
//   - broker: connection registry, channel fan-out, self-healing prune
//   - ingress: authenticated POST /broadcast entry point
//   - transport: WebSocket and SSE observer endpoints, backlog replay reads
//   - backlog: bounded per-channel retention (ring buffer or JetStream)
//
// Client side:
//   - stream: reconnecting multiplexer with typed and wildcard handlers,
//     envelope unwrapping and event de-duplication
//   - timeline: envelope normalization and execution-graph building
//
// Infrastructure:
//   - natsclient: NATS connection management
//   - config: file configuration with environment expansion
//   - metric: Prometheus metrics
//   - errors: structured error handling with severity classes
//
// # Usage
//
// Observing a run feed from Go:
//
//	m := stream.NewMultiplexer(&stream.WebSocketDialer{URL: "ws://broker/ws"})
//	defer m.Close()
//
//	m.On("workflow-update", func(event map[string]any) {
//	    if e, ok := timeline.Normalize("workflow-update", event); ok {
//	        builder.Add(e)
//	    }
//	})
//	m.Open(ctx, stream.FeedScoped, "thread-42")
//
// Broadcasting from an engine:
//
//	POST /broadcast
//	Authorization: Bearer <access-key>
//	{"channel": "thread-42", "event": "workflow-update", "data": {...}}
//
// # Design Principles
//
// Exclusive ownership:
//   - Connections belong to the registry; transports hand them over at
//     attach time and never touch shared maps
//
// Degrade, don't halt:
//   - A stale connection is pruned, a bad frame is skipped, a failed relay
//     still delivers locally
//
// Testability:
//   - Explicit dependencies (no globals)
//   - Interface seams at the registry, store, and dialer boundaries
//   - Integration tests with testcontainers
//
// # Binary
//
// Build and run the broker:
//
//	go build -o bin/runwatch ./cmd/runwatch
//	export RUNWATCH_API_KEY=secret
//	./bin/runwatch --config configs/runwatch.yaml
package runwatch
