// Package agent implements the polling side of the bridge.
//
// The agent lives where listening sockets are unavailable, so connectivity
// is pull-based: a coarse external scheduler ticks the Poller, which runs
// discovery, drains the controller's queue, dispatches each message to the
// injected handler, and posts results back. Connectivity is an explicit
// two-state machine; observers hear about transitions, not ticks.
package agent
