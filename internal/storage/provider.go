// Package storage gives sandboxed access to a data directory: the import
// directory watched by the server and the files of a local-file backend.
package storage

import "time"

// FileMeta describes one file under the root.
type FileMeta struct {
	Path      string
	Checksum  string
	Size      int64
	UpdatedAt time.Time
}

// Provider is the interface for file operations relative to a root directory.
type Provider interface {
	// List returns metadata for every file under dir whose name ends in one
	// of exts. No exts lists every file.
	List(dir string, exts ...string) ([]FileMeta, error)
	// Read returns the raw bytes of the file at path.
	Read(path string) ([]byte, error)
	// Write atomically replaces the file at path.
	Write(path string, content []byte) error
	// Append adds content to the end of the file at path. A crash may leave
	// the last record partially written.
	Append(path string, content []byte) error
}
