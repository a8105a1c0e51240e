package storage

import (
	"errors"
	"testing"

	"meshsync/protocol"
)

func TestMemDBBasics(t *testing.T) {
	db := NewMemDB()
	if err := db.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := db.Get([]byte("k"))
	if err != nil || string(got) != "v" {
		t.Fatalf("get: %q %v", got, err)
	}
	if _, err := db.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing key should return ErrNotFound, got %v", err)
	}
	if err := db.Delete([]byte("k")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	has, err := db.Has([]byte("k"))
	if err != nil || has {
		t.Fatalf("deleted key should be absent")
	}
}

func TestMemDBValueIsolation(t *testing.T) {
	db := NewMemDB()
	value := []byte("original")
	db.Put([]byte("k"), value)
	value[0] = 'X'
	got, _ := db.Get([]byte("k"))
	if string(got) != "original" {
		t.Fatalf("stored value must not alias caller memory: %q", got)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	s := NewStore(NewMemDB())
	if _, ok, err := s.GetMetadata("network.peers"); err != nil || ok {
		t.Fatalf("absent metadata should report ok=false")
	}
	if err := s.SetMetadata("network.peers", `[{"addr":"10.0.0.1:5683"}]`); err != nil {
		t.Fatalf("set metadata: %v", err)
	}
	value, ok, err := s.GetMetadata("network.peers")
	if err != nil || !ok || value != `[{"addr":"10.0.0.1:5683"}]` {
		t.Fatalf("metadata round trip failed: %q ok=%v err=%v", value, ok, err)
	}
}

func TestRecordStore(t *testing.T) {
	s := NewStore(NewMemDB())
	data := []byte("sensor reading 42")
	hash, err := s.Put(data)
	if err != nil {
		t.Fatalf("put record: %v", err)
	}
	if hash != protocol.HashRecord(data) {
		t.Fatalf("record keyed by wrong hash")
	}
	ok, err := s.Contains(hash)
	if err != nil || !ok {
		t.Fatalf("stored record should be present")
	}
	got, err := s.Get(hash)
	if err != nil || string(got) != string(data) {
		t.Fatalf("record content mismatch: %q %v", got, err)
	}
	absent := protocol.HashRecord([]byte("other"))
	ok, err = s.Contains(absent)
	if err != nil || ok {
		t.Fatalf("absent record should not be present")
	}
}

func TestFindByHexPrefix(t *testing.T) {
	s := NewStore(NewMemDB())
	var hashes []protocol.ContentHash
	for i := 0; i < 5; i++ {
		h, err := s.Put([]byte{byte(i)})
		if err != nil {
			t.Fatalf("put: %v", err)
		}
		hashes = append(hashes, h)
	}

	all, err := s.Find("", 0)
	if err != nil || len(all) != 5 {
		t.Fatalf("empty pattern should enumerate all records: %d %v", len(all), err)
	}

	target := hashes[2]
	matches, err := s.Find(target.Hex()[:8], 10)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	found := false
	for _, m := range matches {
		if m == target {
			found = true
		}
	}
	if !found {
		t.Fatalf("prefix search should locate the record")
	}

	limited, err := s.Find("", 2)
	if err != nil || len(limited) != 2 {
		t.Fatalf("limit should cap results: %d %v", len(limited), err)
	}
}
