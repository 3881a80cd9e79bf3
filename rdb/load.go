package rdb

import (
	"bytes"
	"time"

	"github.com/raniellyferreira/redis-lite/storage"
)

// LoadStats summarizes a snapshot load
type LoadStats struct {
	Keys    int64
	Skipped int64 // keys outside database 0
	Aux     map[string]string
	Elapsed time.Duration
}

// loader feeds parsed entries into a store
type loader struct {
	store storage.Storage
	db    int
	stats LoadStats
}

func (l *loader) OnAux(key, value []byte) error {
	l.stats.Aux[string(key)] = string(value)
	return nil
}

func (l *loader) OnDatabase(index int) error {
	l.db = index
	return nil
}

func (l *loader) OnKey(key, value []byte, expiry *time.Time) error {
	if l.db != 0 {
		l.stats.Skipped++
		return nil
	}
	l.stats.Keys++
	return l.store.Set(string(key), value, expiry)
}

func (l *loader) OnEnd() error {
	return nil
}

// Load verifies payload and replaces the contents of store with it.
// The store is only flushed once the checksum has been accepted.
func Load(payload []byte, store storage.Storage) (LoadStats, error) {
	start := time.Now()

	if err := Verify(payload); err != nil {
		return LoadStats{}, err
	}

	if err := store.FlushAll(); err != nil {
		return LoadStats{}, err
	}

	l := &loader{store: store, stats: LoadStats{Aux: make(map[string]string)}}
	if err := Parse(bytes.NewReader(payload), l); err != nil {
		return l.stats, err
	}

	l.stats.Elapsed = time.Since(start)
	return l.stats, nil
}
