// Package discovery locates a live control server with no prior
// configuration.
//
// The controller publishes a credential file under the bridge directory;
// the agent probes the fixed port range over HTTP. A cached port is
// revalidated with a single health probe inside its TTL and never trusted
// blindly past it. Probing is sequential so worst-case cold discovery is
// deterministic: range size times the per-port timeout.
package discovery
