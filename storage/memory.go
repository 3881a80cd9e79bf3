package storage

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Memory implements Storage as a map guarded by a single mutex. Every
// operation, reads included, holds the lock for its whole duration, which
// gives linearizable single-call semantics across connections.
type Memory struct {
	mu   sync.Mutex
	data map[string]*Value

	role          Role
	listeningPort int
	replicas      map[string]*ReplicaInfo

	expiredKeys int64
	now         func() time.Time
}

var _ Storage = (*Memory)(nil)

// MemoryOption is a function that configures a Memory instance
type MemoryOption func(*Memory)

// WithRole sets the initial replication role
func WithRole(role Role) MemoryOption {
	return func(m *Memory) {
		m.role = role
	}
}

// WithListeningPort sets the port reported for this server
func WithListeningPort(port int) MemoryOption {
	return func(m *Memory) {
		m.listeningPort = port
	}
}

// WithClock replaces time.Now for expiry checks
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory creates an empty store. Without WithRole it starts as a master
// with a fresh replication ID.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		data:          make(map[string]*Value),
		role:          MasterRole(NewReplicationID()),
		listeningPort: 6379,
		replicas:      make(map[string]*ReplicaInfo),
		now:           time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// lookup returns the live value for key, evicting it if it has expired.
// Caller must hold m.mu.
func (m *Memory) lookup(key string) (*Value, bool) {
	value, exists := m.data[key]
	if !exists {
		return nil, false
	}

	if value.IsExpired(m.now()) {
		delete(m.data, key)
		m.expiredKeys++
		return nil, false
	}

	return value, true
}

// Get retrieves a value by key. An expired key is removed on access and
// reported as absent.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	value, ok := m.lookup(key)
	if !ok {
		return nil, false
	}

	result := make([]byte, len(value.Data))
	copy(result, value.Data)
	return result, true
}

// Set stores a value with optional expiration, replacing any previous value
// and deadline
func (m *Memory) Set(key string, value []byte, expiry *time.Time) error {
	var deadline *time.Time
	if expiry != nil {
		t := *expiry
		deadline = &t
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = &Value{
		Data:   append([]byte(nil), value...),
		Expiry: deadline,
	}
	return nil
}

// Del deletes keys and returns the number of live keys removed
func (m *Memory) Del(keys ...string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for _, key := range keys {
		if _, ok := m.lookup(key); ok {
			delete(m.data, key)
			deleted++
		}
	}
	return deleted
}

// Exists returns how many of keys are present. Repeated keys count twice.
func (m *Memory) Exists(keys ...string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for _, key := range keys {
		if _, ok := m.lookup(key); ok {
			count++
		}
	}
	return count
}

// KeyCount returns the number of stored keys, expired ones not yet evicted
// included
func (m *Memory) KeyCount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.data))
}

// ExpiresCount returns the number of stored keys carrying a deadline
func (m *Memory) ExpiresCount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for _, value := range m.data {
		if value.Expiry != nil {
			count++
		}
	}
	return count
}

// FlushAll removes all keys
func (m *Memory) FlushAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]*Value)
	return nil
}

// Snapshot returns a copy of every live entry, sorted by key
func (m *Memory) Snapshot() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	entries := make([]Entry, 0, len(m.data))
	for key, value := range m.data {
		if value.IsExpired(now) {
			continue
		}
		entry := Entry{
			Key:   key,
			Value: append([]byte(nil), value.Data...),
		}
		if value.Expiry != nil {
			t := *value.Expiry
			entry.Expiry = &t
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key < entries[j].Key
	})
	return entries
}

// Digest returns a hex fingerprint of the live dataset. It does not depend
// on insertion order or on deadlines, so a master and an in-sync replica
// report the same value.
func (m *Memory) Digest() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var sum uint64
	d := xxhash.New()
	for key, value := range m.data {
		if value.IsExpired(now) {
			continue
		}
		d.Reset()
		_, _ = d.WriteString(key)
		_, _ = d.Write([]byte{0})
		_, _ = d.Write(value.Data)
		sum += d.Sum64()
	}
	return fmt.Sprintf("%016x", sum)
}

// Role returns a copy of the current replication role
func (m *Memory) Role() Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// ListeningPort returns the port this server was configured with
func (m *Memory) ListeningPort() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listeningPort
}

// AdvanceOffset adds n bytes to the replication offset and returns the new
// value
func (m *Memory) AdvanceOffset(n int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.role.Offset += n
	return m.role.Offset
}

// SetMasterLink records the outcome of a full resync on a replica
func (m *Memory) SetMasterLink(replID string, offset int64, up bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if replID != "" {
		m.role.ReplicationID = replID
		m.role.Offset = offset
	}
	m.role.LinkUp = up
}

// RecordReplicaConf stores a REPLCONF option announced by the replica
// connected from addr. Unknown options are ignored.
func (m *Memory) RecordReplicaConf(addr, option, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := m.replicas[addr]
	if info == nil {
		info = &ReplicaInfo{Addr: addr}
		m.replicas[addr] = info
	}

	switch strings.ToLower(option) {
	case "listening-port":
		if port, err := strconv.Atoi(value); err == nil {
			info.ListeningPort = port
		}
	case "capa":
		info.Capabilities = append(info.Capabilities, value)
	case "ack":
		if offset, err := strconv.ParseInt(value, 10, 64); err == nil {
			info.AckOffset = offset
			info.LastAck = m.now()
		}
	}
}

// MarkReplicaOnline flags whether addr is receiving the command stream
func (m *Memory) MarkReplicaOnline(addr string, online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := m.replicas[addr]
	if info == nil {
		info = &ReplicaInfo{Addr: addr}
		m.replicas[addr] = info
	}
	info.Online = online
	if online {
		info.LastAck = m.now()
	}
}

// ForgetReplica drops everything recorded about addr
func (m *Memory) ForgetReplica(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.replicas, addr)
}

// Replicas returns the online replicas, ordered by address
func (m *Memory) Replicas() []ReplicaInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]ReplicaInfo, 0, len(m.replicas))
	for _, info := range m.replicas {
		if !info.Online {
			continue
		}
		c := *info
		c.Capabilities = append([]string(nil), info.Capabilities...)
		result = append(result, c)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Addr < result[j].Addr
	})
	return result
}

// Info returns storage statistics
func (m *Memory) Info() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expires int64
	for _, value := range m.data {
		if value.Expiry != nil {
			expires++
		}
	}

	return map[string]interface{}{
		"keys":         int64(len(m.data)),
		"expires":      expires,
		"expired_keys": m.expiredKeys,
	}
}
