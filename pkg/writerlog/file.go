package writerlog

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/multierr"

	"votedb/pkg/dberrors"
	"votedb/pkg/listener"
)

const (
	logFileName = "writer.log"
	// seq:8 | crc32:4 | len:4
	headerSize = 16
	queueSize  = 64
)

var errCorruptFrame = errors.New("corrupt frame")

type frame struct {
	seq  uint64
	data []byte
}

var _ Log = (*FileLog)(nil)

// FileLog is a writer log persisted to a single append-only file. Appends
// are queued and written, fsynced and published by a background listener.
type FileLog struct {
	*listener.Listener[frame]

	id       string
	logger   *slog.Logger
	filePath string
	file     *os.File
	writer   *bufio.Writer
	inputCh  chan frame

	// appendMu orders sequence assignment with queue insertion
	appendMu sync.Mutex
	next     uint64
	closed   bool

	mu      sync.RWMutex
	records [][]byte
	notify  func(seq uint64)
	failed  error
}

// OpenFile opens or creates the log in dir and replays it. A torn or corrupt
// tail left by a crash is truncated.
func OpenFile(dir, id string, logger *slog.Logger) (*FileLog, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty log dir")
	}
	if logger == nil {
		logger = slog.Default()
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	filePath := filepath.Join(dir, logFileName)
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	l := &FileLog{
		id:       id,
		logger:   logger.With("writer", id),
		filePath: filePath,
		file:     file,
		inputCh:  make(chan frame, queueSize),
	}
	if err := l.replay(); err != nil {
		return nil, multierr.Append(err, file.Close())
	}
	l.writer = bufio.NewWriter(file)
	l.next = uint64(len(l.records))

	l.Listener = listener.New(l.inputCh, l.writeFile, l.stop).OnError(l.writeFailed)
	l.Listener.Start(context.Background())

	return l, nil
}

func (l *FileLog) ID() string {
	return l.id
}

// Append assigns the next sequence number to rec and queues it. The record
// becomes readable once it is durable.
func (l *FileLog) Append(rec []byte) (uint64, error) {
	if uint64(len(rec)) > math.MaxUint32 {
		return 0, fmt.Errorf("%w: record too large: %d", dberrors.ErrInvalidArgument, len(rec))
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	if l.closed {
		return 0, dberrors.ErrClosed
	}
	if err := l.failure(); err != nil {
		return 0, fmt.Errorf("log is failed: %w", err)
	}

	l.next++
	l.inputCh <- frame{seq: l.next, data: append([]byte(nil), rec...)}
	return l.next, nil
}

func (l *FileLog) Read(ctx context.Context, from uint64, limit int) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	lo, hi, err := window(from, limit, uint64(len(l.records)))
	if err != nil {
		return nil, err
	}
	out := make([][]byte, hi-lo)
	copy(out, l.records[lo:hi])
	return out, nil
}

func (l *FileLog) Len() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.records))
}

func (l *FileLog) OnAppend(fn func(seq uint64)) {
	l.mu.Lock()
	l.notify = fn
	l.mu.Unlock()
}

// Close waits for queued appends to be written and closes the file.
func (l *FileLog) Close() error {
	l.appendMu.Lock()
	if l.closed {
		l.appendMu.Unlock()
		return nil
	}
	l.closed = true
	close(l.inputCh)
	l.appendMu.Unlock()

	l.Listener.Wait()
	l.Listener.Stop()

	l.mu.Lock()
	defer l.mu.Unlock()

	var err error
	if l.writer != nil {
		err = multierr.Append(err, l.writer.Flush())
		l.writer = nil
	}
	if l.file != nil {
		err = multierr.Append(err, l.file.Close())
		l.file = nil
	}
	if err != nil {
		return fmt.Errorf("failed to close log: %w", err)
	}
	return nil
}

// will be called async by FileLog.Listener on input in FileLog.inputCh
func (l *FileLog) writeFile(f frame) error {
	if err := l.failure(); err != nil {
		return fmt.Errorf("dropping record %d: %w", f.seq, err)
	}

	if err := l.writeFrame(f); err != nil {
		return fmt.Errorf("failed to write log record: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush log: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log: %w", err)
	}

	l.mu.Lock()
	l.records = append(l.records, f.data)
	notify := l.notify
	l.mu.Unlock()

	if notify != nil {
		notify(f.seq)
	}
	return nil
}

// writeFailed stops accepting appends; records after a failed one would
// leave a gap in the sequence.
func (l *FileLog) writeFailed(f frame, err error) {
	l.mu.Lock()
	if l.failed == nil {
		l.failed = err
	}
	l.mu.Unlock()
	l.logger.Error("log append failed", "seq", f.seq, "error", err)
}

func (l *FileLog) failure() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.failed
}

func (l *FileLog) stop() {
	l.logger.Debug("log writer stopped", "records", l.Len())
}

func (l *FileLog) writeFrame(f frame) error {
	if l.writer == nil {
		return fmt.Errorf("log writer is nil")
	}

	var hdr [headerSize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], f.seq)
	binary.LittleEndian.PutUint32(hdr[8:12], crc32.ChecksumIEEE(f.data))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(f.data)))

	if _, err := l.writer.Write(hdr[:]); err != nil {
		return err
	}
	_, err := l.writer.Write(f.data)
	return err
}

func readFrame(r io.Reader, want uint64) ([]byte, int64, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, 0, err
	}

	seq := binary.LittleEndian.Uint64(hdr[0:8])
	sum := binary.LittleEndian.Uint32(hdr[8:12])
	size := binary.LittleEndian.Uint32(hdr[12:16])
	if seq != want {
		return nil, 0, fmt.Errorf("%w: sequence %d, expected %d", errCorruptFrame, seq, want)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, 0, err
	}
	if crc32.ChecksumIEEE(data) != sum {
		return nil, 0, fmt.Errorf("%w: checksum mismatch at sequence %d", errCorruptFrame, seq)
	}
	return data, headerSize + int64(size), nil
}

func (l *FileLog) replay() error {
	reader := bufio.NewReader(l.file)

	var offset int64
	for {
		data, n, err := readFrame(reader, uint64(len(l.records))+1)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, errCorruptFrame) {
				return fmt.Errorf("failed to read log record: %w", err)
			}
			l.logger.Warn("truncating torn log tail", "offset", offset, "error", err)
			if err := l.file.Truncate(offset); err != nil {
				return fmt.Errorf("failed to truncate log: %w", err)
			}
			break
		}
		l.records = append(l.records, data)
		offset += n
	}

	if _, err := l.file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek log end: %w", err)
	}
	l.logger.Info("log replayed", "records", len(l.records))
	return nil
}
