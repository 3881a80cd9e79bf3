package server

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/raniellyferreira/redis-lite/protocol"
	"github.com/raniellyferreira/redis-lite/rdb"
	"github.com/raniellyferreira/redis-lite/storage"
)

// fakeReplica performs the replica side of a full resync against a master
type fakeReplica struct {
	conn   net.Conn
	reader *bufio.Reader
}

func connectReplica(t *testing.T, server *Server) *fakeReplica {
	t.Helper()

	conn, err := net.Dial("tcp", server.Addr())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	return &fakeReplica{conn: conn, reader: bufio.NewReader(conn)}
}

func (r *fakeReplica) send(t *testing.T, want string, cmd string, args ...string) {
	t.Helper()

	if _, err := r.conn.Write(protocol.AppendCommand(nil, cmd, args...)); err != nil {
		t.Fatal(err)
	}
	line, err := r.reader.ReadString('\n')
	if err != nil {
		t.Fatalf("%s: ReadString() error = %v", cmd, err)
	}
	if line != want {
		t.Fatalf("%s reply = %q, want %q", cmd, line, want)
	}
}

// psync sends PSYNC and returns the FULLRESYNC fields and the snapshot
func (r *fakeReplica) psync(t *testing.T) (string, int64, []byte) {
	t.Helper()

	if _, err := r.conn.Write(protocol.AppendCommand(nil, "PSYNC", "?", "-1")); err != nil {
		t.Fatal(err)
	}

	line, err := r.reader.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(line), "+"))
	if len(fields) != 3 || fields[0] != "FULLRESYNC" {
		t.Fatalf("PSYNC reply = %q, want +FULLRESYNC <replid> <offset>", line)
	}
	offset, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		t.Fatalf("FULLRESYNC offset %q: %v", fields[2], err)
	}

	header, err := r.reader.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	size, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(header, "$")))
	if err != nil {
		t.Fatalf("snapshot header = %q: %v", header, err)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r.reader, payload); err != nil {
		t.Fatal(err)
	}

	return fields[1], offset, payload
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServer_FullResyncAndPropagation(t *testing.T) {
	store := storage.NewMemory()
	store.Set("existing", []byte("value"), nil)
	server := startServer(t, store)

	replica := connectReplica(t, server)
	replica.send(t, "+PONG\r\n", "PING")
	replica.send(t, "+OK\r\n", "REPLCONF", "listening-port", "6380")
	replica.send(t, "+OK\r\n", "REPLCONF", "capa", "psync2")

	replID, offset, payload := replica.psync(t)
	if replID != store.Role().ReplicationID {
		t.Errorf("FULLRESYNC replid = %s, want %s", replID, store.Role().ReplicationID)
	}
	if offset != 0 {
		t.Errorf("FULLRESYNC offset = %d, want 0", offset)
	}

	loaded := storage.NewMemory()
	if _, err := rdb.Load(payload, loaded); err != nil {
		t.Fatalf("rdb.Load() error = %v", err)
	}
	if loaded.Digest() != store.Digest() {
		t.Errorf("snapshot digest = %s, want %s", loaded.Digest(), store.Digest())
	}

	waitFor(t, "replica registration", func() bool {
		return len(store.Replicas()) == 1
	})
	if port := store.Replicas()[0].ListeningPort; port != 6380 {
		t.Errorf("replica listening port = %d, want 6380", port)
	}

	// writes from a regular client reach the link in order
	client := dial(t, server)
	client.sendCommand("SET", "a", "1")
	client.sendCommand("SET", "b", "2", "PX", "60000")
	client.sendCommand("DEL", "a", "missing")
	client.sendCommand("GET", "b")

	stream := protocol.NewReader(replica.reader)
	var total int64
	for _, want := range []string{"SET a 1", "SET b 2 PXAT", "DEL a missing"} {
		v, err := stream.ReadNext()
		if err != nil {
			t.Fatalf("ReadNext() error = %v", err)
		}
		cmd, err := protocol.ParseCommand(v)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(cmd.String(), want) {
			t.Errorf("propagated %q, want prefix %q", cmd.String(), want)
		}
		total += int64(len(cmd.Encode()))
	}

	if got := store.Role().Offset; got != total {
		t.Errorf("master offset = %d, want %d", got, total)
	}

	resp, _ := client.sendCommand("INFO", "replication")
	for _, want := range []string{
		"connected_slaves:1\r\n",
		"slave0:ip=127.0.0.1,port=6380,state=online",
		fmt.Sprintf("master_repl_offset:%d\r\n", total),
	} {
		if !strings.Contains(resp, want) {
			t.Errorf("INFO replication missing %q in:\n%s", want, resp)
		}
	}

	// acknowledgements are recorded without a reply
	if _, err := replica.conn.Write(protocol.AppendCommand(nil, "REPLCONF", "ACK", strconv.FormatInt(total, 10))); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "ack offset", func() bool {
		r := store.Replicas()
		return len(r) == 1 && r[0].AckOffset == total
	})

	replica.conn.Close()
	waitFor(t, "replica removal", func() bool {
		return len(store.Replicas()) == 0 && server.replicas.count() == 0
	})
}

func TestServer_PsyncArity(t *testing.T) {
	server := startServer(t, storage.NewMemory())
	client := dial(t, server)

	resp, err := client.sendCommand("PSYNC", "?")
	if err != nil {
		t.Fatal(err)
	}
	if resp != "-ERR wrong number of arguments for 'psync' command" {
		t.Errorf("PSYNC ? = %q", resp)
	}
}

func TestServer_PsyncOnReplica(t *testing.T) {
	store := storage.NewMemory(storage.WithRole(storage.ReplicaRole("127.0.0.1", 6379)))
	server := startServer(t, store)
	client := dial(t, server)

	resp, err := client.sendCommand("PSYNC", "?", "-1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(resp, "-ERR") {
		t.Errorf("PSYNC on replica = %q, want error", resp)
	}
	client.expectClosed(t)
}

func TestServer_ReplicaLinkRejectsOversizedBulk(t *testing.T) {
	store := storage.NewMemory()
	server := startServer(t, store)

	replica := connectReplica(t, server)
	replica.send(t, "+OK\r\n", "REPLCONF", "listening-port", "6380")
	replica.psync(t)
	waitFor(t, "replica registration", func() bool {
		return server.replicas.count() == 1
	})

	// a 1 GiB bulk header must drop the link without waiting for the data
	if _, err := replica.conn.Write([]byte("*3\r\n$8\r\nREPLCONF\r\n$3\r\nACK\r\n$1073741824\r\n")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "replica removal", func() bool {
		return len(store.Replicas()) == 0 && server.replicas.count() == 0
	})

	replica.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.Copy(io.Discard, replica.reader); err != nil {
		t.Errorf("link read error = %v, want a clean close", err)
	}
}
