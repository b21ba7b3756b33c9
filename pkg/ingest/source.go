package ingest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Source is the transport that delivers the bytes of an uploaded file
type Source interface {
	// Name is the user-visible name of the file
	Name() string

	// ReceivedBytesKnown is true if the transport knows, at selection time, that
	// all bytes are available. Such sources are read immediately, without polling.
	ReceivedBytesKnown() bool

	// Complete reports whether all bytes have arrived.
	// An error aborts the ingestion.
	Complete() (bool, error)

	// ReadAll returns the full content. Only called once Complete has returned true.
	ReadAll() ([]byte, error)
}

// FileSource reads a file from disk
type FileSource struct {
	Path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

func (f *FileSource) Name() string {
	return filepath.Base(f.Path)
}

func (f *FileSource) ReceivedBytesKnown() bool {
	return true
}

func (f *FileSource) Complete() (bool, error) {
	return true, nil
}

func (f *FileSource) ReadAll() ([]byte, error) {
	return os.ReadFile(f.Path)
}

// Buffer is a Source that is filled incrementally, for example from an HTTP
// request body. It only reports completion once Finish is called, so the
// ingestion machine polls it.
type Buffer struct {
	name     string
	lock     sync.Mutex
	buf      bytes.Buffer
	complete bool
	err      error
}

func NewBuffer(name string) *Buffer {
	return &Buffer{name: name}
}

func (b *Buffer) Name() string {
	return b.name
}

func (b *Buffer) ReceivedBytesKnown() bool {
	return false
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.complete || b.err != nil {
		return 0, fmt.Errorf("Upload buffer %v is closed", b.name)
	}
	return b.buf.Write(p)
}

// Finish marks the upload as fully received
func (b *Buffer) Finish() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.complete = true
}

// Fail aborts the upload. The next poll reports err.
func (b *Buffer) Fail(err error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.err == nil {
		b.err = err
	}
}

// Len is the number of bytes received so far
func (b *Buffer) Len() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.Len()
}

func (b *Buffer) Complete() (bool, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.complete, b.err
}

func (b *Buffer) ReadAll() ([]byte, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if !b.complete {
		return nil, fmt.Errorf("Upload %v is not complete", b.name)
	}
	return bytes.Clone(b.buf.Bytes()), nil
}

// Bytes is a Source whose content is already in memory
type Bytes struct {
	name string
	data []byte
}

func NewBytes(name string, data []byte) *Bytes {
	return &Bytes{name: name, data: data}
}

func (b *Bytes) Name() string {
	return b.name
}

func (b *Bytes) ReceivedBytesKnown() bool {
	return true
}

func (b *Bytes) Complete() (bool, error) {
	return true, nil
}

func (b *Bytes) ReadAll() ([]byte, error) {
	return b.data, nil
}
