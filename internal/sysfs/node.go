// Package sysfs reads and writes the single-value attribute files exposed
// by the kernel (thermal zones, cpufreq limits, hwmon inputs).
//
// A node whose open failed stays usable: reads return zero and writes are
// dropped, so a missing attribute never takes a control loop down.
package sysfs

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"sync"

	"codeberg.org/mutker/thermald/internal/errors"
)

const (
	ErrOpenNode  = errors.ErrorCode("sysfs_open_failed")
	ErrReadNode  = errors.ErrorCode("sysfs_read_failed")
	ErrParseNode = errors.ErrorCode("sysfs_parse_failed")
	ErrWriteNode = errors.ErrorCode("sysfs_write_failed")

	readBufferSize = 64
)

// Node is an opened (or unopened) attribute file.
type Node struct {
	path string
	mu   sync.Mutex
	file *os.File
	err  error
}

// OpenReader opens path for reading.
func OpenReader(path string) *Node {
	return open(path, os.O_RDONLY, 0)
}

// OpenWriter opens path for writing. Every Write replaces the content.
func OpenWriter(path string) *Node {
	return open(path, os.O_WRONLY, 0)
}

// OpenAppender opens path for appending, creating it when missing.
func OpenAppender(path string) *Node {
	return open(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
}

func open(path string, flag int, perm os.FileMode) *Node {
	n := &Node{path: path}
	if path == "" {
		n.err = errors.New().WithData(ErrOpenNode, "empty path")
		return n
	}

	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		n.err = errors.New().Wrap(ErrOpenNode, err)
		return n
	}
	n.file = f

	return n
}

// Path returns the attribute path.
func (n *Node) Path() string {
	return n.path
}

// Opened reports whether the attribute could be opened.
func (n *Node) Opened() bool {
	return n.file != nil
}

// OpenErr returns why the attribute could not be opened, if it could not.
func (n *Node) OpenErr() error {
	return n.err
}

// ReadInt reads the attribute from the start and parses its first token as
// a base-10 integer. An unopened node reads as 0.
func (n *Node) ReadInt() (int, error) {
	if n.file == nil {
		return 0, nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	buf := make([]byte, readBufferSize)
	count, err := n.file.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return 0, errors.New().Wrap(ErrReadNode, err)
	}

	fields := bytes.Fields(buf[:count])
	if len(fields) == 0 {
		return 0, errors.New().WithData(ErrParseNode, n.path)
	}

	value, err := strconv.Atoi(string(fields[0]))
	if err != nil {
		return 0, errors.New().Wrap(ErrParseNode, err)
	}

	return value, nil
}

// Write replaces the attribute content with p. An unopened node drops the
// write silently.
func (n *Node) Write(p []byte) error {
	if n.file == nil {
		return nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	// Attribute files ignore truncation; regular files need it.
	_ = n.file.Truncate(0)

	if _, err := n.file.WriteAt(p, 0); err != nil {
		return errors.New().Wrap(ErrWriteNode, err)
	}

	return nil
}

// Append writes p at the end of the file.
func (n *Node) Append(p []byte) error {
	if n.file == nil {
		return nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, err := n.file.Write(p); err != nil {
		return errors.New().Wrap(ErrWriteNode, err)
	}

	return nil
}

// Close releases the file.
func (n *Node) Close() error {
	if n.file == nil {
		return nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	err := n.file.Close()
	n.file = nil

	return err
}
