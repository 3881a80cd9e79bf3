package rdb_test

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/raniellyferreira/redis-lite/rdb"
	"github.com/raniellyferreira/redis-lite/storage"
)

// emptyRedis72 is the snapshot a stock Redis 7.2 master sends for an empty
// dataset
const emptyRedis72 = "524544495330303131fa0972656469732d76657205372e322e30fa0a72656469732d62697473c040fa056374696d65c26d08bc65fa08757365642d6d656dc2b0c41000fa08616f662d62617365c000fff06e3bfec0ff5aa2"

type recordingHandler struct {
	aux  map[string]string
	keys map[string]string
	exp  map[string]time.Time
	dbs  []int
	done bool
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		aux:  make(map[string]string),
		keys: make(map[string]string),
		exp:  make(map[string]time.Time),
	}
}

func (h *recordingHandler) OnAux(key, value []byte) error {
	h.aux[string(key)] = string(value)
	return nil
}

func (h *recordingHandler) OnDatabase(index int) error {
	h.dbs = append(h.dbs, index)
	return nil
}

func (h *recordingHandler) OnKey(key, value []byte, expiry *time.Time) error {
	h.keys[string(key)] = string(value)
	if expiry != nil {
		h.exp[string(key)] = *expiry
	}
	return nil
}

func (h *recordingHandler) OnEnd() error {
	h.done = true
	return nil
}

func TestChecksum(t *testing.T) {
	// CRC-64/Jones check value
	if got := rdb.Checksum([]byte("123456789")); got != 0xe9c6d914c4b8d9ca {
		t.Errorf("Checksum() = %016x, want e9c6d914c4b8d9ca", got)
	}
}

func TestParseRedisEmptySnapshot(t *testing.T) {
	payload, err := hex.DecodeString(emptyRedis72)
	if err != nil {
		t.Fatal(err)
	}

	if err := rdb.Verify(payload); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	h := newRecordingHandler()
	if err := rdb.Parse(bytes.NewReader(payload), h); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if !h.done {
		t.Error("OnEnd() was not called")
	}
	if h.aux["redis-ver"] != "7.2.0" {
		t.Errorf("redis-ver = %q, want 7.2.0", h.aux["redis-ver"])
	}
	if h.aux["redis-bits"] != "64" {
		t.Errorf("redis-bits = %q, want 64", h.aux["redis-bits"])
	}
	if h.aux["aof-base"] != "0" {
		t.Errorf("aof-base = %q, want 0", h.aux["aof-base"])
	}
	if len(h.keys) != 0 {
		t.Errorf("keys = %v, want none", h.keys)
	}
}

func TestEncodeParseRoundTrip(t *testing.T) {
	deadline := time.UnixMilli(1893456000123)
	entries := []storage.Entry{
		{Key: "foo", Value: []byte("Hey world, I'm Joe!")},
		{Key: "small", Value: []byte("-12")},
		{Key: "medium", Value: []byte("30000")},
		{Key: "large", Value: []byte("2000000000")},
		{Key: "padded", Value: []byte("007")},
		{Key: "empty", Value: []byte{}},
		{Key: "binary", Value: []byte{0, '\r', '\n', 0xFF}},
		{Key: "long", Value: bytes.Repeat([]byte("x"), 20000)},
		{Key: "temp", Value: []byte("bar"), Expiry: &deadline},
	}

	payload := rdb.Encode(entries, rdb.Aux{"redis-ver": "7.2.0", "redis-bits": "64"})

	if !strings.HasPrefix(string(payload), "REDIS0011") {
		t.Errorf("payload header = %q, want REDIS0011", payload[:9])
	}
	if err := rdb.Verify(payload); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	h := newRecordingHandler()
	if err := rdb.Parse(bytes.NewReader(payload), h); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if len(h.keys) != len(entries) {
		t.Fatalf("parsed %d keys, want %d", len(h.keys), len(entries))
	}
	for _, e := range entries {
		if h.keys[e.Key] != string(e.Value) {
			t.Errorf("key %s = %q, want %q", e.Key, h.keys[e.Key], e.Value)
		}
	}
	if got, ok := h.exp["temp"]; !ok || !got.Equal(deadline) {
		t.Errorf("temp expiry = %v, want %v", got, deadline)
	}
	if _, ok := h.exp["foo"]; ok {
		t.Error("foo should not have an expiry")
	}
	if len(h.dbs) != 1 || h.dbs[0] != 0 {
		t.Errorf("databases = %v, want [0]", h.dbs)
	}
	if h.aux["redis-bits"] != "64" {
		t.Errorf("redis-bits = %q, want 64", h.aux["redis-bits"])
	}
}

func TestEncodeEmpty(t *testing.T) {
	payload := rdb.Encode(nil, nil)
	// header, EOF opcode, checksum
	if len(payload) != 9+1+8 {
		t.Fatalf("len(payload) = %d, want 18", len(payload))
	}
	if payload[9] != rdb.OpcodeEOF {
		t.Errorf("payload[9] = %x, want EOF opcode", payload[9])
	}
	if err := rdb.Verify(payload); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
}

func TestVerifyErrors(t *testing.T) {
	payload := rdb.Encode([]storage.Entry{{Key: "k", Value: []byte("v")}}, nil)

	corrupt := append([]byte(nil), payload...)
	corrupt[12] ^= 0xFF
	if err := rdb.Verify(corrupt); !errors.Is(err, rdb.ErrChecksumMismatch) {
		t.Errorf("Verify(corrupt) error = %v, want ErrChecksumMismatch", err)
	}

	// a zero checksum disables verification
	disabled := append([]byte(nil), corrupt...)
	copy(disabled[len(disabled)-8:], make([]byte, 8))
	if err := rdb.Verify(disabled); err != nil {
		t.Errorf("Verify(disabled) error = %v", err)
	}

	if err := rdb.Verify([]byte("REDIS")); !errors.Is(err, rdb.ErrInvalidFormat) {
		t.Errorf("Verify(short) error = %v, want ErrInvalidFormat", err)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    error
	}{
		{"bad magic", []byte("RADIS0011\xff"), rdb.ErrInvalidFormat},
		{"bad version", []byte("REDISabcd\xff"), rdb.ErrInvalidFormat},
		{"list type", append([]byte("REDIS0011"), 0x01, 0x01, 'k', 0x00), rdb.ErrUnsupportedType},
		{"unknown string encoding", append([]byte("REDIS0011"), 0x00, 0xC5), rdb.ErrInvalidFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rdb.Parse(bytes.NewReader(tt.payload), newRecordingHandler())
			if !errors.Is(err, tt.want) {
				t.Errorf("Parse() error = %v, want %v", err, tt.want)
			}
		})
	}

	// missing EOF opcode
	if err := rdb.Parse(strings.NewReader("REDIS0011"), newRecordingHandler()); err == nil {
		t.Error("Parse() of truncated snapshot expected error")
	}

	if err := rdb.Parse(strings.NewReader("REDIS0099\xff"), newRecordingHandler()); err == nil {
		t.Error("Parse() of future version expected error")
	}
}

func TestLoad(t *testing.T) {
	src := storage.NewMemory()
	src.Set("a", []byte("1"), nil)
	src.Set("b", []byte("two"), nil)

	payload := rdb.Encode(src.Snapshot(), rdb.Aux{"redis-ver": "7.2.0"})

	dst := storage.NewMemory()
	dst.Set("stale", []byte("x"), nil)

	stats, err := rdb.Load(payload, dst)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if stats.Keys != 2 {
		t.Errorf("stats.Keys = %d, want 2", stats.Keys)
	}
	if stats.Aux["redis-ver"] != "7.2.0" {
		t.Errorf("stats.Aux = %v", stats.Aux)
	}
	if _, ok := dst.Get("stale"); ok {
		t.Error("Load() kept a key from before the snapshot")
	}
	if src.Digest() != dst.Digest() {
		t.Errorf("Digest() after Load = %s, want %s", dst.Digest(), src.Digest())
	}

	// a corrupt payload leaves the store untouched
	corrupt := append([]byte(nil), payload...)
	corrupt[len(corrupt)-10] ^= 0xFF
	if _, err := rdb.Load(corrupt, dst); err == nil {
		t.Fatal("Load(corrupt) expected error")
	}
	if dst.KeyCount() != 2 {
		t.Errorf("KeyCount() after failed Load = %d, want 2", dst.KeyCount())
	}
}
