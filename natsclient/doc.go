// Package natsclient provides a managed NATS connection used as the shared
// backbone between broker instances and as the durable backlog transport.
//
// The Client wraps nats.Conn with status tracking, reconnect/disconnect
// handler wiring, JetStream access, and drain-on-close semantics. Components
// depend on the Client rather than on nats.Conn directly so tests can
// substitute the in-memory stand-in from the testutil package.
package natsclient
