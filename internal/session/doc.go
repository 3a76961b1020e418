// Package session serves the single TCP peer.
//
// Server.Run cycles through three states for the life of the process:
//
//	AwaitingConnection  restore the snapshot, listen, accept one peer
//	Active              apply inbound frames, send one batch per poll tick
//	Closing             close the socket, save the snapshot
//
// Inbound frames are `name=value#`. `Sync=<name>` asks for name to be resent;
// anything else is a peer write, published on the bus and stored as
// peer-authoritative. Outbound batches come from selector.Select.
//
// Only one peer is served at a time: the listener is closed as soon as a
// connection is accepted and reopened after Closing.
package session
