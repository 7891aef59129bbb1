// Package store persists the sync engine's three JSON documents: the leave
// document, the active-approval index and the sync cursor. Writes are
// whole-document and atomic (temp file + rename) so a crash can never leave
// a torn file behind.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// StoreError wraps any disk read/write failure. Data integrity is the
// priority, so these always surface to the caller.
type StoreError struct {
	Path string
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// writeJSON atomically replaces path with the pretty-printed JSON encoding
// of v.
func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &StoreError{Path: path, Op: "marshal", Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &StoreError{Path: path, Op: "mkdir", Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return &StoreError{Path: path, Op: "create temp", Err: err}
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &StoreError{Path: path, Op: "write", Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &StoreError{Path: path, Op: "close", Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &StoreError{Path: path, Op: "rename", Err: err}
	}
	return nil
}

// readJSON loads path into v. Returns os.ErrNotExist (wrapped) when the file
// does not exist yet; callers substitute an empty document.
func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return err
		}
		return &StoreError{Path: path, Op: "read", Err: err}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &StoreError{Path: path, Op: "unmarshal", Err: err}
	}
	return nil
}

// nowISO is the timestamp format written into the documents.
func nowISO() string {
	return time.Now().Format(time.RFC3339)
}
