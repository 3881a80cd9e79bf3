// Package rdb reads and writes the RDB snapshot a master sends to a replica
// during a full resynchronization.
//
// Only the string type is supported, which is everything the store can
// hold. A snapshot is written with:
//
//	err := rdb.WriteSnapshot(w, store.Snapshot(), rdb.Aux{"redis-ver": "7.2.0"})
//
// and loaded, after its checksum has been verified, with:
//
//	if err := rdb.Verify(payload); err != nil {
//		return err
//	}
//	err := rdb.Parse(bytes.NewReader(payload), handler)
//
// Compressed (LZF) and integer-encoded strings produced by a real Redis
// master are decoded transparently.
package rdb
