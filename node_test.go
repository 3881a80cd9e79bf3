package redislite_test

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	redislite "github.com/raniellyferreira/redis-lite"
	"github.com/raniellyferreira/redis-lite/metrics"
	"github.com/raniellyferreira/redis-lite/protocol"
	"github.com/raniellyferreira/redis-lite/replication"
)

type testLogger struct{}

func (testLogger) Debug(string, ...redislite.Field) {}
func (testLogger) Info(string, ...redislite.Field)  {}
func (testLogger) Error(string, ...redislite.Field) {}

func startNode(t *testing.T, opts ...redislite.Option) *redislite.Node {
	t.Helper()

	opts = append([]redislite.Option{
		redislite.WithPort(0),
		redislite.WithLogger(testLogger{}),
	}, opts...)

	node, err := redislite.New(opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { node.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := node.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return node
}

func hostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort(%q) error = %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi(%q) error = %v", portStr, err)
	}
	return host, port
}

func newClient(t *testing.T, addr string) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		DisableIdentity: true,
	})
	t.Cleanup(func() { client.Close() })
	return client
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNode_Master(t *testing.T) {
	node := startNode(t)

	if node.IsReplica() {
		t.Error("IsReplica() = true on a master")
	}
	if err := node.HandshakeErr(); err != nil {
		t.Errorf("HandshakeErr() = %v, want nil", err)
	}
	if err := node.WaitForSync(context.Background()); err != nil {
		t.Errorf("WaitForSync() error = %v", err)
	}

	ctx := context.Background()
	client := newClient(t, node.Addr())

	if err := client.Set(ctx, "greeting", "hello", 0).Err(); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if got, err := client.Get(ctx, "greeting").Result(); err != nil || got != "hello" {
		t.Fatalf("Get() = %q, %v, want hello", got, err)
	}
	if v, ok := node.Storage().Get("greeting"); !ok || string(v) != "hello" {
		t.Errorf("Storage().Get() = %q, %v", v, ok)
	}
}

func TestNode_Replication(t *testing.T) {
	ctx := context.Background()
	collector := metrics.NewCollector()

	master := startNode(t)
	masterClient := newClient(t, master.Addr())

	if err := masterClient.Set(ctx, "before", "sync", 0).Err(); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := masterClient.Set(ctx, "ttl", "soon", time.Hour).Err(); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	host, port := hostPort(t, master.Addr())
	replica := startNode(t,
		redislite.WithReplicaOf(host, port),
		redislite.WithMetrics(collector),
		redislite.WithAckInterval(50*time.Millisecond),
	)

	if !replica.IsReplica() {
		t.Fatal("IsReplica() = false")
	}
	if err := replica.HandshakeErr(); err != nil {
		t.Fatalf("HandshakeErr() = %v", err)
	}

	syncCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := replica.WaitForSync(syncCtx); err != nil {
		t.Fatalf("WaitForSync() error = %v", err)
	}

	if v, ok := replica.Storage().Get("before"); !ok || string(v) != "sync" {
		t.Errorf("replica before = %q, %v, want sync", v, ok)
	}
	if n := replica.Storage().ExpiresCount(); n != 1 {
		t.Errorf("replica ExpiresCount() = %d, want 1", n)
	}

	if err := masterClient.Set(ctx, "after", "stream", 0).Err(); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := masterClient.Eval(ctx, "redis.call('DEL', KEYS[1]); return redis.call('SET', KEYS[2], ARGV[1])", []string{"before", "lua"}, "script").Err(); err != nil {
		t.Fatalf("Eval() error = %v", err)
	}

	waitFor(t, "replica to apply the stream", func() bool {
		return replica.Storage().Digest() == master.Storage().Digest()
	})

	if _, ok := replica.Storage().Get("before"); ok {
		t.Error("replica still has key deleted by script")
	}
	if v, ok := replica.Storage().Get("lua"); !ok || string(v) != "script" {
		t.Errorf("replica lua = %q, %v, want script", v, ok)
	}

	replicaClient := newClient(t, replica.Addr())
	if got, err := replicaClient.Get(ctx, "after").Result(); err != nil || got != "stream" {
		t.Errorf("replica GET after = %q, %v, want stream", got, err)
	}
	err := replicaClient.Set(ctx, "local", "write", 0).Err()
	if err == nil || err.Error() != "READONLY You can't write against a read only replica." {
		t.Errorf("replica SET error = %v, want READONLY", err)
	}

	masterDigest, err := masterClient.Do(ctx, "DEBUG", "DIGEST").Text()
	if err != nil {
		t.Fatalf("master DEBUG DIGEST error = %v", err)
	}
	replicaDigest, err := replicaClient.Do(ctx, "DEBUG", "DIGEST").Text()
	if err != nil {
		t.Fatalf("replica DEBUG DIGEST error = %v", err)
	}
	if masterDigest != replicaDigest {
		t.Errorf("digest mismatch: master %s, replica %s", masterDigest, replicaDigest)
	}

	waitFor(t, "replica ack to reach the master offset", func() bool {
		replicas := master.Storage().Replicas()
		return len(replicas) == 1 && replicas[0].AckOffset == master.Storage().Role().Offset
	})

	if role := replica.Storage().Role(); !role.LinkUp || role.ReplicationID != master.Storage().Role().ReplicationID {
		t.Errorf("replica role = %+v, want link up with master replid", role)
	}
	families, err := collector.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var handshakes uint64
	for _, mf := range families {
		if mf.GetName() == "redislite_replication_handshake_duration_seconds" {
			handshakes = mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	if handshakes != 1 {
		t.Errorf("handshake observations = %d, want 1", handshakes)
	}
}

// startGarbledMaster accepts one replica and answers PSYNC with a reply
// that is not FULLRESYNC
func startGarbledMaster(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		reader := protocol.NewReader(conn)
		replies := []string{"+PONG\r\n", "+OK\r\n", "+OK\r\n", "+GARBAGE\r\n"}
		for _, reply := range replies {
			if _, err := reader.ReadNext(); err != nil {
				return
			}
			if _, err := conn.Write([]byte(reply)); err != nil {
				return
			}
		}
		reader.ReadNext()
	}()

	return ln.Addr().String()
}

func TestNode_HandshakeFailureStillListens(t *testing.T) {
	host, port := hostPort(t, startGarbledMaster(t))

	node := startNode(t, redislite.WithReplicaOf(host, port))

	err := node.HandshakeErr()
	if !errors.Is(err, redislite.ErrHandshake) {
		t.Fatalf("HandshakeErr() = %v, want ErrHandshake", err)
	}
	var hsErr *replication.HandshakeError
	if !errors.As(err, &hsErr) || hsErr.Step != replication.StepPsync {
		t.Fatalf("HandshakeErr() = %v, want failure at PSYNC", err)
	}
	if err := node.WaitForSync(context.Background()); !errors.Is(err, redislite.ErrHandshake) {
		t.Errorf("WaitForSync() error = %v, want ErrHandshake", err)
	}

	client := newClient(t, node.Addr())
	if got, err := client.Ping(context.Background()).Result(); err != nil || got != "PONG" {
		t.Errorf("Ping() = %q, %v, want PONG", got, err)
	}
}

// startSilentMaster accepts one connection and never replies. accepted is
// closed once the replica has connected.
func startSilentMaster(t *testing.T) (addr string, accepted <-chan struct{}) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	ch := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		close(ch)

		buf := make([]byte, 512)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()

	return ln.Addr().String(), ch
}

func TestNode_CloseDuringHandshake(t *testing.T) {
	addr, accepted := startSilentMaster(t)
	host, port := hostPort(t, addr)

	node, err := redislite.New(
		redislite.WithPort(0),
		redislite.WithLogger(testLogger{}),
		redislite.WithReplicaOf(host, port),
		redislite.WithHandshakeTimeout(time.Minute),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	started := make(chan error, 1)
	go func() { started <- node.Start(context.Background()) }()

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("replica never connected to the master")
	}

	// accessors must not wait for the handshake
	queried := make(chan error, 1)
	go func() { queried <- node.HandshakeErr() }()
	select {
	case err := <-queried:
		if err != nil {
			t.Errorf("HandshakeErr() during handshake = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("HandshakeErr() blocked behind the handshake")
	}

	closed := make(chan error, 1)
	go func() { closed <- node.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("Close() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close() blocked behind the handshake")
	}

	select {
	case err := <-started:
		if !errors.Is(err, redislite.ErrClosed) {
			t.Errorf("Start() error = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after Close")
	}
	if err := node.WaitForSync(context.Background()); !errors.Is(err, redislite.ErrNotStarted) {
		t.Errorf("WaitForSync() error = %v, want ErrNotStarted", err)
	}
}

func TestNode_BindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()
	_, port := hostPort(t, ln.Addr().String())

	node, err := redislite.New(redislite.WithPort(port), redislite.WithLogger(testLogger{}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer node.Close()

	err = node.Start(context.Background())
	var connErr *redislite.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("Start() error = %v, want *ConnectionError", err)
	}
	if !errors.Is(err, redislite.ErrIO) {
		t.Errorf("Start() error = %v, want ErrIO", err)
	}
	if err := node.WaitForSync(context.Background()); !errors.Is(err, redislite.ErrNotStarted) {
		t.Errorf("WaitForSync() error = %v, want ErrNotStarted", err)
	}
}

func TestNode_Lifecycle(t *testing.T) {
	node, err := redislite.New(redislite.WithPort(0), redislite.WithLogger(testLogger{}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := node.WaitForSync(context.Background()); !errors.Is(err, redislite.ErrNotStarted) {
		t.Errorf("WaitForSync() before Start error = %v, want ErrNotStarted", err)
	}
	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := node.Start(context.Background()); err != nil {
		t.Errorf("second Start() error = %v", err)
	}
	if err := node.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := node.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := node.Start(context.Background()); !errors.Is(err, redislite.ErrClosed) {
		t.Errorf("Start() after Close error = %v, want ErrClosed", err)
	}
}
