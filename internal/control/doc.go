// Package control implements the controller's loopback HTTP surface.
//
// # Overview
//
// The server lets an agent that cannot accept inbound connections pull
// work and push results:
//
//	GET  /health  liveness and credential bootstrap (no auth)
//	GET  /poll    drain the message queue, FIFO (token required)
//	POST /result  submit a validated bridge message (token required)
//
// Every response to OPTIONS is a CORS preflight answer that allowlists the
// X-Bridge-Token header, because the agent runs inside a browser page.
//
// Port selection walks a fixed contiguous range starting at the preferred
// port; exhausting the range returns ErrPortRangeExhausted, which the
// bridge client treats as "fall back to the file transport".
package control
