package core

import (
	"math/big"
	"math/rand"
	"testing"
)

func newTestStore(t *testing.T) *RecordStore {
	t.Helper()
	s, err := NewRecordStore(RecordStoreConfig{
		Dir:               t.TempDir(),
		MaxRecords:        100,
		NetworkKeyVersion: "v1",
	})
	if err != nil {
		t.Fatalf("NewRecordStore: %v", err)
	}
	return s
}

func putAndMark(t *testing.T, s *RecordStore, key RecordKey, value []byte, typ RecordType) {
	t.Helper()
	if err := s.Put(Record{Key: key, Value: value, Type: typ, Header: HeaderChunk}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	select {
	case rec := <-s.Unverified():
		if err := s.MarkAsStored(rec.Key, rec.Type, rec.Header); err != nil {
			t.Fatalf("MarkAsStored: %v", err)
		}
	default:
		t.Fatalf("expected an UnverifiedRecord after Put")
	}
}

// S8 — put followed by get returns identical bytes for 100 random pairs.
func TestRecordStoreEncryptionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	rng := rand.New(rand.NewSource(1))

	type pair struct {
		key RecordKey
		val []byte
	}
	pairs := make([]pair, 100)
	for i := range pairs {
		var k RecordKey
		rng.Read(k[:])
		val := make([]byte, rng.Intn(4096))
		rng.Read(val)
		pairs[i] = pair{key: k, val: val}
	}

	for _, p := range pairs {
		putAndMark(t, s, p.key, p.val, ChunkType())
	}
	for _, p := range pairs {
		got, err := s.Get(p.key)
		if err != nil {
			t.Fatalf("Get(%s): %v", p.key.Hex(), err)
		}
		if string(got) != string(p.val) {
			t.Fatalf("round trip mismatch for %s", p.key.Hex())
		}
	}
}

func TestRecordStoreValueTooLarge(t *testing.T) {
	s := newTestStore(t)
	var key RecordKey
	key[0] = 1
	big := make([]byte, MaxRecordValueBytes+1)
	err := s.Put(Record{Key: key, Value: big, Type: ChunkType(), Header: HeaderChunk})
	if err != ErrValueTooLarge {
		t.Fatalf("Put with oversized value: got %v, want ErrValueTooLarge", err)
	}
}

func TestRecordStoreChunkDedupIdempotent(t *testing.T) {
	s := newTestStore(t)
	var key RecordKey
	key[0] = 2
	putAndMark(t, s, key, []byte("hello"), ChunkType())
	if err := s.Put(Record{Key: key, Value: []byte("hello-again"), Type: ChunkType(), Header: HeaderChunk}); err != nil {
		t.Fatalf("idempotent re-put of a chunk should not error: %v", err)
	}
}

func TestRecordStoreNonChunkContentHashMismatch(t *testing.T) {
	s := newTestStore(t)
	var key RecordKey
	key[0] = 3
	putAndMark(t, s, key, []byte("value-a"), NonChunkType([]byte("value-a")))

	err := s.Put(Record{Key: key, Value: []byte("value-b"), Type: NonChunkType([]byte("value-b")), Header: HeaderChunk})
	if err != ErrContentHashMismatch {
		t.Fatalf("conflicting NonChunk put: got %v, want ErrContentHashMismatch", err)
	}
}

func TestRecordStorePrunesFarthestAtCapacity(t *testing.T) {
	s, err := NewRecordStore(RecordStoreConfig{
		Dir:               t.TempDir(),
		MaxRecords:        5,
		NetworkKeyVersion: "v1",
	})
	if err != nil {
		t.Fatalf("NewRecordStore: %v", err)
	}
	for i := byte(0); i < 20; i++ {
		var key RecordKey
		key[0] = i
		putAndMark(t, s, key, []byte{i}, ChunkType())
	}
	if got := s.Len(); got >= 20 {
		t.Fatalf("Len() = %d, expected pruning to have evicted some records", got)
	}
}

func TestRecordStoreRangeGatesPersistence(t *testing.T) {
	dir := t.TempDir()
	var self RecordKey
	small := func() *RangeEstimate {
		return &RangeEstimate{Self: self, Radius: big.NewInt(0)}
	}
	s, err := NewRecordStore(RecordStoreConfig{
		Dir:               dir,
		MaxRecords:        100,
		NetworkKeyVersion: "v1",
		RangeFn:           small,
	})
	if err != nil {
		t.Fatalf("NewRecordStore: %v", err)
	}
	var outOfRange RecordKey
	outOfRange[0] = 0xFF
	if err := s.Put(Record{Key: outOfRange, Value: []byte("x"), Type: ChunkType(), Header: HeaderChunk}); err != nil {
		t.Fatalf("Put out-of-range record should return nil, not an error: %v", err)
	}
	if s.Has(outOfRange) {
		t.Fatalf("out-of-range record should not be persisted")
	}
}

func TestRecordStoreNetworkKeyVersionWipesOnMismatch(t *testing.T) {
	dir := t.TempDir()
	s1, err := NewRecordStore(RecordStoreConfig{Dir: dir, MaxRecords: 10, NetworkKeyVersion: "v1"})
	if err != nil {
		t.Fatalf("NewRecordStore v1: %v", err)
	}
	var key RecordKey
	key[0] = 9
	putAndMark(t, s1, key, []byte("persisted"), ChunkType())

	s2, err := NewRecordStore(RecordStoreConfig{Dir: dir, MaxRecords: 10, NetworkKeyVersion: "v2"})
	if err != nil {
		t.Fatalf("NewRecordStore v2: %v", err)
	}
	if s2.Has(key) {
		t.Fatalf("record from a prior network_key_version should be wiped")
	}
}
