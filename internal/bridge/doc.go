// Package bridge defines the message envelope shared by both transports.
//
// A Message is a tagged union: a closed MessageType, an opaque JSON payload,
// and a timestamp. The bridge never interprets session semantics; it moves
// validated envelopes between the controller and the agent and correlates
// results by the plan id embedded in the payload.
package bridge
