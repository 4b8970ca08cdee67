// Package server implements the relay core: admission control, the session
// registry, the broadcast engine and the per-connection session lifecycle,
// together with the TCP listener and the optional WebSocket and QUIC gateways
// that feed connections into it.
//
// Every transport hands accepted connections to one Relay. A Session reads the
// display name, joins the Registry, and relays each valid frame through the
// Broadcaster, which snapshots the registry, sends without holding its lock
// and evicts recipients whose delivery fails.
package server
