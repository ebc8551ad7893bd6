// Package client is the controller-side façade over the bridge.
//
// # Overview
//
// Connect selects the transport: the loopback HTTP control server when any
// port in the fixed range binds, otherwise the filesystem mailbox. Exactly
// one transport is active after Connect returns.
//
// SendRequest dispatches a start_session message and blocks until the
// matching session_result arrives, correlated by plan id. Plan ids are
// caller-supplied and not globally unique over time; concurrent reuse of
// an id fails closed rather than racing for the callback slot.
//
// # Failure semantics
//
//   - ErrNotConnected: SendRequest before Connect, immediate, no I/O
//   - ErrRequestTimeout: no result within the request timeout; only that
//     request is rejected, the transport stays up
//   - ErrDisconnected: Disconnect rejected the request mid-flight
//
// Late or unmatched results are dropped silently after the history hooks
// have seen them.
package client
