// Package replication implements the replica side of Redis replication.
//
// A Handshake dials the master and walks it through PING, REPLCONF
// listening-port, REPLCONF capa psync2 and PSYNC ? -1. Any unexpected reply
// stops the handshake with a *HandshakeError naming the step.
//
// The resulting Session first loads the RDB snapshot that follows
// FULLRESYNC into the store, then streams the master's writes through an
// Applier, advancing the replication offset as commands are applied and
// acknowledging it with REPLCONF ACK.
//
// Basic usage:
//
//	hs := replication.NewHandshake("localhost:6379", 6380)
//	session, err := hs.Run(ctx)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if _, err := session.LoadSnapshot(store); err != nil {
//		log.Fatal(err)
//	}
//	err = session.Stream(ctx, store, srv)
//
// Only full resynchronization is supported; there is no reconnection loop.
package replication
