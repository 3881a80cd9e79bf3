package server

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/raniellyferreira/redis-lite/protocol"
)

// replicaLink is the write side of a connection promoted by PSYNC
type replicaLink struct {
	addr         string
	conn         net.Conn
	writeTimeout time.Duration

	mu sync.Mutex
}

func newReplicaLink(addr string, conn net.Conn, writeTimeout time.Duration) *replicaLink {
	return &replicaLink{
		addr:         addr,
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

func (l *replicaLink) send(p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writeTimeout > 0 {
		l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout))
	}
	if _, err := l.conn.Write(p); err != nil {
		return &IOError{Op: "propagate to " + l.addr, Err: err}
	}
	return nil
}

// replicaSet holds the live replica links of a master
type replicaSet struct {
	mu    sync.RWMutex
	links map[string]*replicaLink
}

func newReplicaSet() *replicaSet {
	return &replicaSet{links: make(map[string]*replicaLink)}
}

func (rs *replicaSet) add(addr string, link *replicaLink) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.links[addr] = link
}

func (rs *replicaSet) remove(addr string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	delete(rs.links, addr)
}

func (rs *replicaSet) count() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.links)
}

// snapshot returns the links ordered by address
func (rs *replicaSet) snapshot() []*replicaLink {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	links := make([]*replicaLink, 0, len(rs.links))
	for _, l := range rs.links {
		links = append(links, l)
	}
	sort.Slice(links, func(i, j int) bool {
		return links[i].addr < links[j].addr
	})
	return links
}

func (rs *replicaSet) closeAll() {
	for _, l := range rs.snapshot() {
		l.conn.Close()
	}
}

// propagate forwards a write to every replica link and advances the master
// replication offset by its encoded size. The caller must hold s.writeMu so
// that replicas see writes in store order. A link that fails the write is
// closed and dropped; its reader goroutine forgets the replica.
func (s *Server) propagate(cmd *protocol.Command) {
	if s.storage.Role().IsReplica() {
		return
	}

	payload := cmd.Encode()
	s.storage.AdvanceOffset(int64(len(payload)))

	for _, link := range s.replicas.snapshot() {
		if err := link.send(payload); err != nil {
			s.logger.Error("Dropping replica link", "addr", link.addr, "error", err)
			s.recordError("propagate")
			s.replicas.remove(link.addr)
			link.conn.Close()
			continue
		}
		if s.metrics != nil {
			s.metrics.RecordNetworkBytes(int64(len(payload)))
		}
	}
}
