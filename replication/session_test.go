package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/raniellyferreira/redis-lite/protocol"
	"github.com/raniellyferreira/redis-lite/rdb"
	"github.com/raniellyferreira/redis-lite/server"
	"github.com/raniellyferreira/redis-lite/storage"
)

// handshakeScript answers a full handshake with FULLRESYNC at offset and
// sends payload as the snapshot
func handshakeScript(t *testing.T, conn net.Conn, r *protocol.Reader, offset int64, payload []byte) bool {
	ok := expectCommand(t, conn, r, "PING", "+PONG\r\n") &&
		expectCommand(t, conn, r, "REPLCONF listening-port 6380", "+OK\r\n") &&
		expectCommand(t, conn, r, "REPLCONF capa psync2", "+OK\r\n") &&
		expectCommand(t, conn, r, "PSYNC ? -1", fmt.Sprintf("+FULLRESYNC %s %d\r\n", testReplID, offset))
	if !ok {
		return false
	}
	// keepalive newline, then the payload without a trailing CRLF
	if _, err := fmt.Fprintf(conn, "\n$%d\r\n", len(payload)); err != nil {
		t.Errorf("master: write error = %v", err)
		return false
	}
	if _, err := conn.Write(payload); err != nil {
		t.Errorf("master: write error = %v", err)
		return false
	}
	return true
}

func newReplicaStore() *storage.Memory {
	return storage.NewMemory(storage.WithRole(storage.ReplicaRole("127.0.0.1", 6379)))
}

func newApplier(store storage.Storage) *server.Server {
	srv := server.NewServer("127.0.0.1:0", store)
	srv.SetReadOnly(true)
	return srv
}

func TestSession_SnapshotAndStream(t *testing.T) {
	snapshot := rdb.Encode([]storage.Entry{
		{Key: "existing", Value: []byte("value")},
		{Key: "counter", Value: []byte("12")},
	}, rdb.Aux{"redis-ver": "7.2.0"})

	set := protocol.AppendCommand(nil, "SET", "k", "v")
	deadline := time.Now().Add(time.Hour).UnixMilli()
	setPX := protocol.AppendCommand(nil, "SET", "t", "v", "PXAT", strconv.FormatInt(deadline, 10))
	ping := protocol.AppendCommand(nil, "PING")
	getack := protocol.AppendCommand(nil, "REPLCONF", "GETACK", "*")

	const start = 1000
	wantAck := start + int64(len(set)+len(setPX)+len(ping))

	ackReceived := make(chan string, 1)
	addr := startFakeMaster(t, func(t *testing.T, conn net.Conn, r *protocol.Reader) {
		if !handshakeScript(t, conn, r, start, snapshot) {
			return
		}
		for _, cmd := range [][]byte{set, setPX, ping, getack} {
			if _, err := conn.Write(cmd); err != nil {
				t.Errorf("master: write error = %v", err)
				return
			}
		}
		v, err := r.ReadNext()
		if err != nil {
			t.Errorf("master: ReadNext() error = %v", err)
			return
		}
		ackReceived <- v.String()
		// keep the link open until the replica goes away
		io.Copy(io.Discard, conn)
	})

	store := newReplicaStore()
	store.Set("stale", []byte("x"), nil)

	session, err := NewHandshake(addr, 6380).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	session.SetAckInterval(0)

	stats, err := session.LoadSnapshot(store)
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	if stats.Keys != 2 {
		t.Errorf("stats.Keys = %d, want 2", stats.Keys)
	}
	if _, ok := store.Get("stale"); ok {
		t.Error("LoadSnapshot() kept a key from before the resync")
	}
	role := store.Role()
	if role.ReplicationID != testReplID || role.Offset != start || !role.LinkUp {
		t.Errorf("Role() after snapshot = %+v", role)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- session.Stream(ctx, store, newApplier(store)) }()

	select {
	case ack := <-ackReceived:
		want := fmt.Sprintf("[REPLCONF, ACK, %d]", wantAck)
		if ack != want {
			t.Errorf("GETACK reply = %s, want %s", ack, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no REPLCONF ACK received")
	}

	if v, ok := store.Get("k"); !ok || string(v) != "v" {
		t.Errorf("Get(k) = %q, %v", v, ok)
	}
	if store.ExpiresCount() != 1 {
		t.Errorf("ExpiresCount() = %d, want 1", store.ExpiresCount())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Stream() after cancel error = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Stream() did not return after cancel")
	}

	role = store.Role()
	if role.LinkUp {
		t.Error("LinkUp = true after Stream returned")
	}
	if want := wantAck + int64(len(getack)); role.Offset != want {
		t.Errorf("Offset = %d, want %d", role.Offset, want)
	}
}

func TestSession_PeriodicAck(t *testing.T) {
	snapshot := rdb.Encode(nil, nil)

	acks := make(chan string, 4)
	addr := startFakeMaster(t, func(t *testing.T, conn net.Conn, r *protocol.Reader) {
		if !handshakeScript(t, conn, r, 7, snapshot) {
			return
		}
		for i := 0; i < 2; i++ {
			v, err := r.ReadNext()
			if err != nil {
				return
			}
			acks <- v.String()
		}
	})

	store := newReplicaStore()
	session, err := NewHandshake(addr, 6380).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	session.SetAckInterval(20 * time.Millisecond)

	if _, err := session.LoadSnapshot(store); err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Stream(ctx, store, newApplier(store))

	for i := 0; i < 2; i++ {
		select {
		case ack := <-acks:
			if ack != "[REPLCONF, ACK, 7]" {
				t.Errorf("ack %d = %s, want [REPLCONF, ACK, 7]", i, ack)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("ack %d not received", i)
		}
	}
}

func TestSession_CorruptSnapshot(t *testing.T) {
	snapshot := rdb.Encode([]storage.Entry{{Key: "k", Value: []byte("v")}}, nil)
	snapshot[12] ^= 0xFF

	addr := startFakeMaster(t, func(t *testing.T, conn net.Conn, r *protocol.Reader) {
		handshakeScript(t, conn, r, 0, snapshot)
	})

	store := newReplicaStore()
	store.Set("keep", []byte("me"), nil)

	session, err := NewHandshake(addr, 6380).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	defer session.Close()

	if _, err := session.LoadSnapshot(store); !errors.Is(err, rdb.ErrChecksumMismatch) {
		t.Fatalf("LoadSnapshot() error = %v, want ErrChecksumMismatch", err)
	}
	if _, ok := store.Get("keep"); !ok {
		t.Error("failed snapshot load flushed the store")
	}
	if store.Role().LinkUp {
		t.Error("LinkUp = true after failed snapshot load")
	}
}

func TestSession_MasterCloses(t *testing.T) {
	snapshot := rdb.Encode(nil, nil)

	addr := startFakeMaster(t, func(t *testing.T, conn net.Conn, r *protocol.Reader) {
		if handshakeScript(t, conn, r, 0, snapshot) {
			conn.Write(protocol.AppendCommand(nil, "SET", "a", "1"))
		}
	})

	store := newReplicaStore()
	session, err := NewHandshake(addr, 6380).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	session.SetAckInterval(0)
	if _, err := session.LoadSnapshot(store); err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}

	err = session.Stream(context.Background(), store, newApplier(store))
	if !errors.Is(err, ErrLinkClosed) {
		t.Errorf("Stream() error = %v, want ErrLinkClosed", err)
	}
	if v, ok := store.Get("a"); !ok || string(v) != "1" {
		t.Errorf("Get(a) = %q, %v; want the command sent before close", v, ok)
	}
	if store.Role().LinkUp {
		t.Error("LinkUp = true after the master closed the link")
	}
}
