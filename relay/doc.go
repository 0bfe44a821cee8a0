// Package relay provides a resilient, topic-based publish/subscribe transport
// over a persistent websocket connection.
//
// The primary lifecycle is:
//   - construct a Session with NewSession
//   - Open a ws/wss target URL (http/https inputs are normalized)
//   - Subscribe topics and Send envelopes
//   - Close or Suspend when finished
//
// The session survives connection churn: envelopes sent while disconnected
// are queued and flushed in order on the next successful open, and every
// registered topic is replayed as a subscribe-envelope when a fresh
// connection is promoted. Abnormal closes reconnect after a backoff delay;
// clean closes reconnect immediately; explicit Close and Suspend never
// reconnect.
//
// Exported Session APIs synchronize internal state and are safe for
// concurrent use, but topic handlers and lifecycle observers should be
// written as thread-safe because they execute from the receive path.
//
// Transport-internal faults (failed connects, malformed inbound envelopes)
// are absorbed and routed to the session's error sink so a flaky network
// never terminates the session.
package relay
