// Package storage provides the shared store behind every connection.
//
// A single Memory instance is created at startup and handed to the server,
// the replication session and the script engine. It holds the string
// keyspace together with the server's replication role and what the master
// knows about its replicas.
//
// Basic usage:
//
//	store := storage.NewMemory(storage.WithListeningPort(6380))
//	err := store.Set("key", []byte("value"), nil)
//	value, exists := store.Get("key")
//
// The package supports:
//   - Serialized access through one mutex
//   - Optional per-key deadlines, enforced lazily on read
//   - Order independent dataset digests
//   - Replication role and replica bookkeeping
package storage
