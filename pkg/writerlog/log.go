// Package writerlog holds the append-only logs each writer produces.
//
// Sequence numbers are 1-based and dense: the n-th record appended to a log
// has sequence n. Records are opaque byte strings (see entry.EncodeRecord).
package writerlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"votedb/pkg/dberrors"
)

const idFileName = "writer.id"

// Reader reads a single writer's log.
type Reader interface {
	// ID is the writer identifier.
	ID() string
	// Read returns up to limit records starting at sequence from. It returns
	// an empty slice when nothing is available yet.
	Read(ctx context.Context, from uint64, limit int) ([][]byte, error)
}

// Log is the local, writable log of this process.
type Log interface {
	Reader
	// Append enqueues rec and returns the sequence number it will occupy.
	Append(rec []byte) (uint64, error)
	// Len is the number of records readable through Read.
	Len() uint64
	// OnAppend registers fn to be called with the sequence of every record
	// once it becomes readable.
	OnAppend(fn func(seq uint64))
	Close() error
}

// NewID returns a fresh writer identifier.
func NewID() string {
	return uuid.NewString()
}

// LoadOrCreateID reads the writer identifier stored in dir, creating one on
// first use.
func LoadOrCreateID(dir string) (string, error) {
	path := filepath.Join(dir, idFileName)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		id := strings.TrimSpace(string(data))
		if _, err := uuid.Parse(id); err != nil {
			return "", fmt.Errorf("corrupt writer id in %s: %w", path, err)
		}
		return id, nil
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("failed to read writer id: %w", err)
	}

	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("failed to create storage directory: %w", err)
	}
	id := NewID()
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("failed to write writer id: %w", err)
	}
	return id, nil
}

// window clamps [from, from+limit) to the n records available and returns
// zero-based bounds.
func window(from uint64, limit int, n uint64) (lo, hi uint64, err error) {
	if from == 0 {
		return 0, 0, fmt.Errorf("%w: sequence numbers start at 1", dberrors.ErrInvalidArgument)
	}
	if limit <= 0 {
		return 0, 0, fmt.Errorf("%w: limit must be positive", dberrors.ErrInvalidArgument)
	}
	lo = from - 1
	if lo >= n {
		return lo, lo, nil
	}
	hi = lo + uint64(limit)
	if hi > n {
		hi = n
	}
	return lo, hi, nil
}
