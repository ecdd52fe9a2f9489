//go:build !tinygo

// Package xfs provides the two small persistent stores the ring
// buffer needs (spec §4.5, §6): a fixed-size record file and a
// wholesale-rewritten index file. This file backs both with a real
// filesystem (*os.File) for host tests and the CLI companion; flash.go
// backs the same interfaces with the RP2350's raw flash under TinyGo.
package xfs

import (
	"os"

	"openenterprise/datalogger/internal/engine"
)

// File wraps *os.File to satisfy engine.RecordFile.
type File struct {
	f *os.File
}

// OpenRecordFile opens (creating if absent) the fixed-size record
// file backing the ring buffer.
func OpenRecordFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	return &File{f: f}, nil
}

func (r *File) ReadAt(p []byte, off int64) (int, error)  { return r.f.ReadAt(p, off) }
func (r *File) WriteAt(p []byte, off int64) (int, error) { return r.f.WriteAt(p, off) }
func (r *File) Truncate(size int64) error                { return r.f.Truncate(size) }
func (r *File) Close() error                             { return r.f.Close() }

// IndexFile persists a RingIndex by rewriting a small file wholesale
// on every save, matching spec §6's "both files are rewritten
// wholesale on index save".
type IndexFile struct {
	path string
}

// OpenIndexFile returns an engine.IndexStore backed by path.
func OpenIndexFile(path string) *IndexFile {
	return &IndexFile{path: path}
}

func (s *IndexFile) Load() (engine.RingIndex, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return engine.RingIndex{}, false, nil
		}
		return engine.RingIndex{}, false, err
	}
	return engine.DecodeRingIndex(data)
}

func (s *IndexFile) Save(idx engine.RingIndex) error {
	return os.WriteFile(s.path, engine.EncodeRingIndex(idx), 0o600)
}
