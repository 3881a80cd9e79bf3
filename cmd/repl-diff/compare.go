package main

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// DatabaseStats represents the statistics for a single database
type DatabaseStats struct {
	Keys    int64
	Expires int64
	AvgTTL  int64
}

// KeyspaceInfo maps database numbers to their statistics
type KeyspaceInfo map[int]DatabaseStats

type endpointSnapshot struct {
	keyspace KeyspaceInfo
	fields   map[string]string
	digest   string
}

type report struct {
	lines       []string
	differences int
}

func (r *report) addf(format string, args ...interface{}) {
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
}

var dbRegex = regexp.MustCompile(`db(\d+):keys=(\d+),expires=(\d+)(?:,avg_ttl=(\d+))?`)

// parseKeyspaceInfo extracts db lines such as db0:keys=2,expires=0,avg_ttl=0
func parseKeyspaceInfo(info string) KeyspaceInfo {
	keyspace := make(KeyspaceInfo)

	for _, line := range strings.Split(info, "\n") {
		matches := dbRegex.FindStringSubmatch(strings.TrimSpace(line))
		if matches == nil {
			continue
		}
		dbNum, _ := strconv.Atoi(matches[1])
		keys, _ := strconv.ParseInt(matches[2], 10, 64)
		expires, _ := strconv.ParseInt(matches[3], 10, 64)

		var avgTTL int64
		if matches[4] != "" {
			avgTTL, _ = strconv.ParseInt(matches[4], 10, 64)
		}

		keyspace[dbNum] = DatabaseStats{Keys: keys, Expires: expires, AvgTTL: avgTTL}
	}

	return keyspace
}

// parseInfoFields splits "key:value" lines, skipping section headers
func parseInfoFields(info string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			fields[k] = v
		}
	}
	return fields
}

// compare reports keyspace and digest differences between ref and sut.
// Differing avg_ttl is reported but not counted.
func compare(ref, sut *endpointSnapshot) report {
	var r report

	dbs := make(map[int]bool)
	for db := range ref.keyspace {
		dbs[db] = true
	}
	for db := range sut.keyspace {
		dbs[db] = true
	}
	var dbNums []int
	for db := range dbs {
		dbNums = append(dbNums, db)
	}
	sort.Ints(dbNums)

	for _, db := range dbNums {
		refStats, refOK := ref.keyspace[db]
		sutStats, sutOK := sut.keyspace[db]

		switch {
		case !refOK:
			r.addf("db%d: missing in reference, system has keys=%d,expires=%d", db, sutStats.Keys, sutStats.Expires)
			r.differences++
		case !sutOK:
			r.addf("db%d: missing in system, reference has keys=%d,expires=%d", db, refStats.Keys, refStats.Expires)
			r.differences++
		default:
			if refStats.Keys != sutStats.Keys {
				r.addf("db%d: keys differ: ref=%d sut=%d", db, refStats.Keys, sutStats.Keys)
				r.differences++
			}
			if refStats.Expires != sutStats.Expires {
				r.addf("db%d: expires differ: ref=%d sut=%d", db, refStats.Expires, sutStats.Expires)
				r.differences++
			}
			if refStats.AvgTTL != sutStats.AvgTTL {
				r.addf("db%d: avg_ttl differs: ref=%d sut=%d (ignored)", db, refStats.AvgTTL, sutStats.AvgTTL)
			}
			if refStats.Keys == sutStats.Keys && refStats.Expires == sutStats.Expires {
				r.addf("db%d: match keys=%d,expires=%d", db, refStats.Keys, refStats.Expires)
			}
		}
	}

	if ref.digest != sut.digest {
		r.addf("digest differs: ref=%s sut=%s", ref.digest, sut.digest)
		r.differences++
	} else {
		r.addf("digest match: %s", ref.digest)
	}

	refOffset := ref.fields["master_repl_offset"]
	sutOffset := sut.fields["slave_repl_offset"]
	if refOffset != "" && sutOffset != "" {
		r.addf("offsets: master_repl_offset=%s slave_repl_offset=%s", refOffset, sutOffset)
	}

	return r
}
