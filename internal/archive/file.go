package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const fileExt = ".jsonl.zst"

var ErrCorruptArchive = errors.New("corrupt archive")

// FileSink appends entries to one zstd-compressed JSON-lines file per UTC day.
// Every batch is written as its own zstd frame, so files can be appended to
// without rewriting them.
type FileSink struct {
	dir string
	mu  sync.Mutex
	enc *zstd.Encoder
}

// NewFileSink creates dir if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	return &FileSink{dir: dir, enc: enc}, nil
}

// PathFor returns the archive file holding observations of day.
func (s *FileSink) PathFor(day time.Time) string {
	return filepath.Join(s.dir, day.UTC().Format("2006-01-02")+fileExt)
}

// Write appends entries to their day files. An entry that cannot be encoded
// is skipped and reported in the returned error; the rest are still written.
func (s *FileSink) Write(_ context.Context, entries []Entry) error {
	var errs []error

	byDay := make(map[string]*bytes.Buffer)
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			errs = append(errs, fmt.Errorf("encode entry %s: %w", e.ID, err))
			continue
		}
		path := s.PathFor(e.ObservedAt)
		buf, ok := byDay[path]
		if !ok {
			buf = &bytes.Buffer{}
			byDay[path] = buf
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for path, buf := range byDay {
		if err := s.appendFrame(path, s.enc.EncodeAll(buf.Bytes(), nil)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *FileSink) appendFrame(path string, frame []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := f.Write(frame); err != nil {
		f.Close()
		return fmt.Errorf("append %s: %w", path, err)
	}
	return f.Close()
}

// Replay calls fn for every entry archived for day, in write order. A
// missing file is not an error. Undecodable lines are skipped and a damaged
// zstd stream ends the replay; both are reported as ErrCorruptArchive after
// every readable entry has been passed to fn.
func (s *FileSink) Replay(day time.Time, fn func(Entry) error) error {
	f, err := os.Open(s.PathFor(day))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("zstd decoder: %w", err)
	}
	defer dec.Close()

	bad := 0
	scanner := bufio.NewScanner(dec)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			bad++
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}

	var errs []error
	if err := scanner.Err(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %s: %w", ErrCorruptArchive, f.Name(), err))
	}
	if bad > 0 {
		errs = append(errs, fmt.Errorf("%w: %s: %d undecodable lines", ErrCorruptArchive, f.Name(), bad))
	}
	return errors.Join(errs...)
}

func (s *FileSink) Close() error {
	return s.enc.Close()
}
