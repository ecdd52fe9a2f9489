//go:build !tinygo

package xfs

import (
	"path/filepath"
	"testing"

	"openenterprise/datalogger/internal/engine"
)

func TestHostIndexFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := OpenIndexFile(filepath.Join(dir, "index.bin"))

	if _, ok, err := s.Load(); err != nil || ok {
		t.Fatalf("Load on absent file = (ok=%v, err=%v), want (false, nil)", ok, err)
	}

	want := engine.RingIndex{Head: 3, Tail: 1, Count: 2, TotalWritten: 9}
	if err := s.Save(want); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.Load()
	if err != nil || !ok {
		t.Fatalf("Load after save = (ok=%v, err=%v), want (true, nil)", ok, err)
	}
	if got != want {
		t.Fatalf("Load() = %+v, want %+v", got, want)
	}
}

func TestHostRecordFileReadWrite(t *testing.T) {
	dir := t.TempDir()
	f, err := OpenRecordFile(filepath.Join(dir, "records.bin"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	want := []byte("hello ring buffer")
	if _, err := f.WriteAt(want, 100); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(want))
	if _, err := f.ReadAt(got, 100); err != nil {
		t.Fatal(err)
	}
	if string(got) != string(want) {
		t.Fatalf("ReadAt = %q, want %q", got, want)
	}
}

func TestRingBufferOverHostFiles(t *testing.T) {
	dir := t.TempDir()
	records, err := OpenRecordFile(filepath.Join(dir, "records.bin"))
	if err != nil {
		t.Fatal(err)
	}
	defer records.Close()
	index := OpenIndexFile(filepath.Join(dir, "index.bin"))

	rb, err := engine.NewRingBuffer(records, index, 4)
	if err != nil {
		t.Fatal(err)
	}
	m := engine.Measurement{ID: 1, Timestamp: 1700000000, TempC: 21.5, HumidityPct: 40}
	if err := rb.Store(m, 0, 0, false); err != nil {
		t.Fatal(err)
	}
	got, err := rb.GetAndRemove()
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != m.ID || got.TempC != m.TempC {
		t.Fatalf("GetAndRemove = %+v, want %+v", got, m)
	}
}
