package server

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// info renders the INFO reply for section. An unknown section renders as
// an empty string.
func (s *Server) info(section string) string {
	var parts []string

	all := section == "" || section == "default" || section == "all" || section == "everything"
	if all || section == "server" {
		parts = append(parts, s.serverInfo())
	}
	if all || section == "stats" {
		parts = append(parts, s.statsInfo())
	}
	if all || section == "replication" {
		parts = append(parts, s.replicationInfo())
	}
	if all || section == "keyspace" {
		parts = append(parts, s.keyspaceInfo())
	}

	return strings.Join(parts, "\r\n")
}

func (s *Server) serverInfo() string {
	var b strings.Builder
	b.WriteString("# Server\r\n")
	fmt.Fprintf(&b, "redis_version:%s\r\n", redisVersion)
	fmt.Fprintf(&b, "redis_lite_version:%s\r\n", s.version)
	b.WriteString("redis_mode:standalone\r\n")
	fmt.Fprintf(&b, "tcp_port:%d\r\n", s.storage.ListeningPort())
	fmt.Fprintf(&b, "uptime_in_seconds:%d\r\n", int64(time.Since(s.startTime).Seconds()))
	return b.String()
}

func (s *Server) statsInfo() string {
	stats := s.Stats()
	storeInfo := s.storage.Info()

	var b strings.Builder
	b.WriteString("# Stats\r\n")
	fmt.Fprintf(&b, "total_connections_received:%v\r\n", stats["total_connections"])
	fmt.Fprintf(&b, "total_commands_processed:%v\r\n", stats["total_commands"])
	fmt.Fprintf(&b, "total_error_replies:%v\r\n", stats["total_errors"])
	fmt.Fprintf(&b, "expired_keys:%v\r\n", storeInfo["expired_keys"])
	return b.String()
}

func (s *Server) replicationInfo() string {
	role := s.storage.Role()

	var b strings.Builder
	b.WriteString("# Replication\r\n")
	fmt.Fprintf(&b, "role:%s\r\n", role.Kind)

	if role.IsReplica() {
		linkStatus := "down"
		if role.LinkUp {
			linkStatus = "up"
		}
		fmt.Fprintf(&b, "master_host:%s\r\n", role.MasterHost)
		fmt.Fprintf(&b, "master_port:%d\r\n", role.MasterPort)
		fmt.Fprintf(&b, "master_link_status:%s\r\n", linkStatus)
		fmt.Fprintf(&b, "slave_repl_offset:%d\r\n", role.Offset)
		fmt.Fprintf(&b, "slave_read_only:%d\r\n", boolToInt(s.readOnly))
	}

	replicas := s.storage.Replicas()
	fmt.Fprintf(&b, "connected_slaves:%d\r\n", len(replicas))
	now := time.Now()
	for i, r := range replicas {
		ip, _, err := net.SplitHostPort(r.Addr)
		if err != nil {
			ip = r.Addr
		}
		lag := int64(0)
		if !r.LastAck.IsZero() {
			lag = int64(now.Sub(r.LastAck).Seconds())
		}
		fmt.Fprintf(&b, "slave%d:ip=%s,port=%d,state=online,offset=%d,lag=%d\r\n", i, ip, r.ListeningPort, r.AckOffset, lag)
	}

	fmt.Fprintf(&b, "master_replid:%s\r\n", role.ReplicationID)
	fmt.Fprintf(&b, "master_repl_offset:%d\r\n", role.Offset)
	return b.String()
}

func (s *Server) keyspaceInfo() string {
	var b strings.Builder
	b.WriteString("# Keyspace\r\n")
	if keys := s.storage.KeyCount(); keys > 0 {
		fmt.Fprintf(&b, "db0:keys=%d,expires=%d,avg_ttl=0\r\n", keys, s.storage.ExpiresCount())
	}
	return b.String()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
