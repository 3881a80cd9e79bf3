// Package protocol implements the Redis Serialization Protocol (RESP2)
// as spoken by redis-lite clients, masters and replicas.
//
// Requests arrive as arrays of bulk strings and are turned into a Command
// by Decode, which scans the raw read buffer directly:
//
//	cmd, err := protocol.Decode(buf[:n])
//	if errors.Is(err, protocol.ErrEmptyRequest) {
//		// peer closed
//	}
//
// Replies are produced with the Append* helpers. The replication link uses
// the streaming Reader for handshake replies, the snapshot payload and the
// command stream, and a buffered Writer for its own commands:
//
//	reader := protocol.NewReader(conn)
//	value, err := reader.ReadNext()
//
// The package supports the RESP2 data types:
//   - Simple Strings
//   - Errors
//   - Integers
//   - Bulk Strings (including the null bulk string)
//   - Arrays
package protocol
