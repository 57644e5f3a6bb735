// Package checkpoint persists enriched places in an append-only CSV log and
// keeps the latest record per external reference in memory.
package checkpoint

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/savedplaces/internal/metrics"
	"github.com/JakeFAU/savedplaces/internal/places"
)

// DefaultStaleDays is the age after which a stored record is re-resolved.
const DefaultStaleDays = 30

// Config tunes the store.
type Config struct {
	StaleDays int
	// Fsync forces the log to stable storage after every flushed batch.
	Fsync bool
}

// Store is the checkpoint. Reads are served from memory; one writer goroutine
// owns the log file.
type Store struct {
	path   string
	cfg    Config
	clock  places.Clock
	logger *zap.Logger

	mu      sync.RWMutex
	records map[string]places.EnrichedPlace

	file   *os.File
	rows   *rowWriter
	queue  *writeQueue
	done   chan struct{}
	closed sync.Once
	err    error
}

var _ places.Checkpoint = (*Store)(nil)

// Open loads the log at path and starts the writer. Errors are SetupErrors.
func Open(path string, cfg Config, clock places.Clock, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StaleDays < 0 {
		return nil, &places.SetupError{Op: "open checkpoint", Err: fmt.Errorf("stale days must be >= 0, got %d", cfg.StaleDays)}
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, &places.SetupError{Op: "open checkpoint", Err: fmt.Errorf("create dir %s: %w", dir, err)}
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, &places.SetupError{Op: "open checkpoint", Err: fmt.Errorf("open %s: %w", path, err)}
	}
	records, skipped, end, err := scan(file, logger)
	if err != nil {
		_ = file.Close()
		return nil, &places.SetupError{Op: "open checkpoint", Err: fmt.Errorf("read %s: %w", path, err)}
	}
	s := &Store{
		path:    path,
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		records: records,
		file:    file,
		rows:    newRowWriter(bufio.NewWriter(file)),
		queue:   newWriteQueue(),
		done:    make(chan struct{}),
	}
	if err := s.prepareTail(end); err != nil {
		_ = file.Close()
		return nil, &places.SetupError{Op: "open checkpoint", Err: err}
	}
	logger.Info("checkpoint loaded",
		zap.String("path", path),
		zap.Int("records", len(records)),
		zap.Int("skipped_rows", skipped),
	)
	go s.run()
	return s, nil
}

// prepareTail drops a row left half-written by an interrupted run, writes
// the header into an empty log and makes sure new rows start on a fresh
// line. end is the offset just past the last complete CSV record.
func (s *Store) prepareTail(end int64) error {
	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", s.path, err)
	}
	if info.Size() > end {
		s.logger.Warn("discarding torn checkpoint tail",
			zap.String("path", s.path),
			zap.Int64("offset", end),
			zap.Int64("bytes", info.Size()-end),
		)
		if err := s.file.Truncate(end); err != nil {
			return fmt.Errorf("truncate %s: %w", s.path, err)
		}
	}
	if end == 0 {
		if err := s.rows.Write(Header); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
		return s.rows.Flush()
	}
	last := make([]byte, 1)
	if _, err := s.file.ReadAt(last, end-1); err != nil {
		return fmt.Errorf("read tail of %s: %w", s.path, err)
	}
	if last[0] != '\n' {
		if _, err := s.file.Write([]byte{'\n'}); err != nil {
			return fmt.Errorf("terminate tail of %s: %w", s.path, err)
		}
	}
	return nil
}

// Load reads every row of the log at path. A missing file is an empty
// checkpoint. Malformed rows are skipped and counted; later rows for the same
// reference replace earlier ones.
func Load(path string, logger *zap.Logger) (map[string]places.EnrichedPlace, int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]places.EnrichedPlace), 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			logger.Warn("close checkpoint after load", zap.Error(cerr))
		}
	}()

	records, skipped, _, err := scan(f, logger)
	if err != nil {
		return nil, skipped, fmt.Errorf("read %s: %w", path, err)
	}
	return records, skipped, nil
}

// scan decodes every row from r. end is the offset just past the last record
// the CSV reader completed; bytes after it belong to a torn row.
func scan(r io.Reader, logger *zap.Logger) (map[string]places.EnrichedPlace, int, int64, error) {
	records := make(map[string]places.EnrichedPlace)
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	skipped := 0
	var end int64
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				skipped++
				logger.Warn("skipping malformed checkpoint row", zap.Int("line", parseErr.StartLine), zap.Error(err))
				continue
			}
			return nil, skipped, end, err
		}
		end = reader.InputOffset()
		if isHeader(row) {
			continue
		}
		record, err := DecodeRow(row)
		if err != nil {
			skipped++
			line, _ := reader.FieldPos(0)
			logger.Warn("skipping malformed checkpoint row", zap.Int("line", line), zap.Error(err))
			continue
		}
		records[record.ExternalRef] = record
	}
	return records, skipped, end, nil
}

// Len reports how many references are held in memory.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Get returns the current record for ref.
func (s *Store) Get(ref string) (places.EnrichedPlace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[ref]
	return record, ok
}

// IsFresh reports whether ref holds a complete record that is not stale.
func (s *Store) IsFresh(ref string) bool {
	record, ok := s.Get(ref)
	if !ok || !record.Complete() {
		return false
	}
	return !IsStale(record.LastResolved, s.clock.Now(), s.cfg.StaleDays)
}

// IsStale applies the whole-day age policy: a record exactly staleDays old is
// still fresh.
func IsStale(last, now time.Time, staleDays int) bool {
	if last.IsZero() {
		return true
	}
	daysOld := int64(now.Sub(last) / (24 * time.Hour))
	return daysOld > int64(staleDays)
}

// Put replaces the in-memory record and queues it for the log.
func (s *Store) Put(record places.EnrichedPlace) error {
	if record.ExternalRef == "" {
		return errors.New("put checkpoint: empty external ref")
	}
	s.mu.Lock()
	s.records[record.ExternalRef] = record
	s.mu.Unlock()
	return s.enqueueWrite(record)
}

func (s *Store) enqueueWrite(record places.EnrichedPlace) error {
	if err := s.queue.push(writeOp{record: &record}); err != nil {
		return fmt.Errorf("enqueue %s: %w", record.ExternalRef, err)
	}
	return nil
}

// Flush returns once every record queued before the call is on disk.
func (s *Store) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	if err := s.queue.push(writeOp{ack: ack}); err != nil {
		return fmt.Errorf("flush checkpoint: %w", err)
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush checkpoint: %w", ctx.Err())
	}
}

// Close drains pending writes, stops the writer and closes the log. Calling
// Close more than once returns the first result.
func (s *Store) Close() error {
	s.closed.Do(func() {
		s.queue.close()
		<-s.done
		if err := s.file.Close(); err != nil {
			s.err = fmt.Errorf("close %s: %w", s.path, err)
		}
		s.logger.Info("checkpoint closed", zap.String("path", s.path), zap.Int("records", s.Len()))
	})
	return s.err
}

func (s *Store) run() {
	defer close(s.done)
	for {
		ops, done := s.queue.take()
		if done {
			return
		}
		for _, op := range ops {
			if op.ack != nil {
				s.sync()
				close(op.ack)
				continue
			}
			s.append(*op.record)
		}
		s.sync()
	}
}

func (s *Store) append(record places.EnrichedPlace) {
	row, err := EncodeRow(record)
	if err == nil {
		err = s.rows.Write(row)
	}
	metrics.ObserveCheckpointWrite(err)
	if err != nil {
		s.logger.Error("checkpoint write failed",
			zap.String("ref", record.ExternalRef),
			zap.String("name", record.DisplayName),
			zap.Error(err),
		)
	}
}

func (s *Store) sync() {
	if err := s.rows.Flush(); err != nil {
		s.logger.Error("checkpoint flush failed", zap.String("path", s.path), zap.Error(err))
		return
	}
	if s.cfg.Fsync {
		if err := s.file.Sync(); err != nil {
			s.logger.Error("checkpoint fsync failed", zap.String("path", s.path), zap.Error(err))
		}
	}
}
