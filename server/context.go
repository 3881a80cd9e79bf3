package server

import "github.com/raniellyferreira/redis-lite/protocol"

// ConnContext is the state of one request on a connection
type ConnContext struct {
	// Input is the raw request, exactly the bytes of one read
	Input     []byte
	ByteCount int

	Command  *protocol.Command
	Response []byte

	client *Client

	// detached is set once PSYNC has handed the connection over to the
	// replica link
	detached bool

	// fromMaster marks commands replayed from the replication stream
	fromMaster bool
}
