package storage

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Storage defines the shared store every connection handler works against.
// Implementations serialize every call; there is no lock-free read path.
type Storage interface {
	// String operations
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, expiry *time.Time) error
	Del(keys ...string) int64
	Exists(keys ...string) int64

	// Keyspace operations
	KeyCount() int64
	ExpiresCount() int64
	FlushAll() error
	Snapshot() []Entry
	Digest() string

	// Role and replication state
	Role() Role
	ListeningPort() int
	AdvanceOffset(n int64) int64
	SetMasterLink(replID string, offset int64, up bool)
	RecordReplicaConf(addr, option, value string)
	MarkReplicaOnline(addr string, online bool)
	ForgetReplica(addr string)
	Replicas() []ReplicaInfo

	// Info and stats
	Info() map[string]interface{}
}

// Entry is one live key captured by Snapshot
type Entry struct {
	Key    string
	Value  []byte
	Expiry *time.Time
}

// RoleKind tells masters and replicas apart
type RoleKind int

const (
	RoleMaster RoleKind = iota
	RoleReplica
)

// String returns the name INFO reports for the role
func (k RoleKind) String() string {
	if k == RoleReplica {
		return "slave"
	}
	return "master"
}

// Role is the replication identity of the server.
//
// On a master ReplicationID and Offset describe the stream it produces. On a
// replica they are the values received in FULLRESYNC, with Offset advanced
// as master traffic is applied.
type Role struct {
	Kind          RoleKind
	ReplicationID string
	Offset        int64

	MasterHost string
	MasterPort int
	LinkUp     bool
}

// IsReplica reports whether the role follows a master
func (r Role) IsReplica() bool {
	return r.Kind == RoleReplica
}

// MasterRole returns a master role with the given replication ID
func MasterRole(replID string) Role {
	return Role{Kind: RoleMaster, ReplicationID: replID}
}

// ReplicaRole returns a replica role following host:port. The replication ID
// stays unknown until the first full resync.
func ReplicaRole(host string, port int) Role {
	return Role{
		Kind:          RoleReplica,
		ReplicationID: "?",
		Offset:        -1,
		MasterHost:    host,
		MasterPort:    port,
	}
}

// ReplicaInfo is what a master knows about one connected replica
type ReplicaInfo struct {
	Addr          string
	ListeningPort int
	Capabilities  []string
	Online        bool
	AckOffset     int64
	LastAck       time.Time
}

// NewReplicationID returns a random 40 character hex identifier
func NewReplicationID() string {
	var b [20]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand does not fail on supported platforms
		panic(err)
	}
	return hex.EncodeToString(b[:])
}
