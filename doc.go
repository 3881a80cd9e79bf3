// Package redislite runs a minimal Redis-compatible server that can act as
// a master or follow one as a replica.
//
// A Node owns an in-memory store and a RESP2 listener. When configured with
// WithReplicaOf it first performs the replication handshake against the
// master (PING, REPLCONF listening-port, REPLCONF capa psync2, PSYNC ? -1),
// then starts listening, loads the snapshot sent with FULLRESYNC and applies
// the master's command stream.
//
// Basic usage:
//
//	node, err := redislite.New(
//		redislite.WithPort(6380),
//		redislite.WithReplicaOf("localhost", 6379),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer node.Close()
//
//	if err := node.Start(context.Background()); err != nil {
//		log.Fatal(err)
//	}
//
//	// Wait for the initial snapshot
//	if err := node.WaitForSync(ctx); err != nil {
//		log.Printf("replication unavailable: %v", err)
//	}
//
// A failed handshake does not stop the node: it keeps serving its local
// store and reports the failure through HandshakeErr.
//
// For a runnable master and replica pair, see the examples/ directory.
package redislite
