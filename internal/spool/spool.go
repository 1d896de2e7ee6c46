// Package spool provides the durable overflow queue for export
// batches: an append-only file of length-prefixed encoded batches with
// a commit offset tracked in a sidecar file. It is the only on-disk
// state in the system.
package spool

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	defaultFileMode = 0o644
	defaultDirMode  = 0o755

	// Entry header: 4-byte big-endian body length, then the body:
	// 8-byte sequence, 4-byte CRC-32 (IEEE) of the payload, payload.
	headerSize      = 4
	bodyPrefixSize  = 12
	defaultMaxBatch = 1024
)

// ErrCorrupt indicates the spool file is damaged beyond the usual
// partially written trailing entry. Unrecoverable: surfaced to the
// process exit path.
var ErrCorrupt = errors.New("spool: corrupt entry")

// Config configures the durable spool.
type Config struct {
	// Path is the spool file location.
	// Defaults to "observer-spool.dat" in the working directory.
	Path string `yaml:"path"`

	// MaxBatches bounds the number of pending batches. When full, the
	// oldest unexported batch is discarded (and counted by the caller).
	// Defaults to 1024.
	MaxBatches int `yaml:"max_batches"`
}

// ApplyDefaults applies default values to unset fields.
func (c *Config) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "observer-spool.dat"
	}

	if c.MaxBatches <= 0 {
		c.MaxBatches = defaultMaxBatch
	}
}

type entryRef struct {
	seq    uint64
	offset int64
	length int
}

// Spool is the durable batch queue. Batches are appended at the tail,
// exported from the head, and removed by committing their sequence.
type Spool struct {
	log logrus.FieldLogger

	mu         sync.Mutex
	path       string
	commitPath string
	file       *os.File
	maxBatches int
	pending    []entryRef
	nextSeq    uint64
	committed  uint64
}

// Open creates or opens a spool and runs the startup recovery scan.
// A partially written trailing entry is ignored; any other damage is
// ErrCorrupt.
func Open(log logrus.FieldLogger, cfg Config) (*Spool, error) {
	cfg.ApplyDefaults()

	if err := os.MkdirAll(filepath.Dir(cfg.Path), defaultDirMode); err != nil {
		return nil, fmt.Errorf("spool: mkdir: %w", err)
	}

	commitPath := cfg.Path + ".commit"

	committed, err := readCommitted(commitPath)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(
		cfg.Path,
		os.O_CREATE|os.O_APPEND|os.O_RDWR,
		defaultFileMode,
	)
	if err != nil {
		return nil, fmt.Errorf("spool: open: %w", err)
	}

	s := &Spool{
		log:        log.WithField("component", "spool"),
		path:       cfg.Path,
		commitPath: commitPath,
		file:       f,
		maxBatches: cfg.MaxBatches,
		committed:  committed,
		nextSeq:    committed + 1,
	}

	if err := s.scan(); err != nil {
		_ = f.Close()

		return nil, err
	}

	if len(s.pending) > 0 {
		s.log.WithField("batches", len(s.pending)).
			Info("Recovered unexported batches from spool")
	}

	return s, nil
}

// scan reads the file once, indexing uncommitted entries in order.
func (s *Spool) scan() error {
	var (
		offset int64
		header [headerSize]byte
		maxSeq uint64
	)

	for {
		if n, err := s.file.ReadAt(header[:], offset); err != nil {
			if errors.Is(err, io.EOF) {
				if n > 0 {
					// Partial header from a crash mid-write.
					return s.truncate(offset)
				}

				break
			}

			return fmt.Errorf("spool: scan header: %w", err)
		}

		length := int(binary.BigEndian.Uint32(header[:]))
		if length < bodyPrefixSize {
			return fmt.Errorf("%w: body length %d", ErrCorrupt, length)
		}

		body := make([]byte, length)

		n, err := s.file.ReadAt(body, offset+headerSize)
		if err != nil {
			if errors.Is(err, io.EOF) && n < length {
				// Partial trailing entry from a crash mid-write;
				// drop it and everything is consistent.
				return s.truncate(offset)
			}

			return fmt.Errorf("spool: scan body: %w", err)
		}

		seq := binary.BigEndian.Uint64(body[:8])
		sum := binary.BigEndian.Uint32(body[8:12])

		if crc32.ChecksumIEEE(body[bodyPrefixSize:]) != sum {
			return fmt.Errorf("%w: checksum mismatch at seq %d", ErrCorrupt, seq)
		}

		if seq > maxSeq {
			maxSeq = seq
		}

		if seq > s.committed {
			s.pending = append(s.pending, entryRef{
				seq:    seq,
				offset: offset,
				length: length,
			})
		}

		offset += int64(headerSize + length)
	}

	if maxSeq+1 > s.nextSeq {
		s.nextSeq = maxSeq + 1
	}

	if len(s.pending) == 0 && offset > 0 {
		return s.truncate(0)
	}

	return nil
}

// Append persists one encoded batch. When the spool is full the oldest
// pending batch is discarded first; the count of discarded batches is
// returned so the caller can account for data loss.
func (s *Spool) Append(payload []byte) (discarded int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.pending) >= s.maxBatches {
		oldest := s.pending[0]
		s.pending = s.pending[1:]
		discarded++

		if err := s.commitLocked(oldest.seq); err != nil {
			return discarded, err
		}
	}

	end, err := s.file.Seek(0, io.SeekEnd)
	if err != nil {
		return discarded, fmt.Errorf("spool: seek: %w", err)
	}

	seq := s.nextSeq
	s.nextSeq++

	entry := make([]byte, headerSize+bodyPrefixSize+len(payload))
	binary.BigEndian.PutUint32(entry[:4], uint32(bodyPrefixSize+len(payload)))
	binary.BigEndian.PutUint64(entry[4:12], seq)
	binary.BigEndian.PutUint32(entry[12:16], crc32.ChecksumIEEE(payload))
	copy(entry[16:], payload)

	if _, err := s.file.Write(entry); err != nil {
		return discarded, fmt.Errorf("spool: write entry: %w", err)
	}

	if err := s.file.Sync(); err != nil {
		return discarded, fmt.Errorf("spool: sync entry: %w", err)
	}

	s.pending = append(s.pending, entryRef{
		seq:    seq,
		offset: end,
		length: bodyPrefixSize + len(payload),
	})

	return discarded, nil
}

// Peek returns the oldest pending batch without removing it.
func (s *Spool) Peek() (payload []byte, seq uint64, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil, 0, false, nil
	}

	ref := s.pending[0]

	body := make([]byte, ref.length)
	if _, err := s.file.ReadAt(body, ref.offset+headerSize); err != nil {
		return nil, 0, false, fmt.Errorf("spool: read entry: %w", err)
	}

	return body[bodyPrefixSize:], ref.seq, true, nil
}

// Commit marks entries up to seq as exported. When nothing is pending
// afterwards the file is truncated.
func (s *Spool) Commit(seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.pending) > 0 && s.pending[0].seq <= seq {
		s.pending = s.pending[1:]
	}

	if err := s.commitLocked(seq); err != nil {
		return err
	}

	if len(s.pending) == 0 {
		return s.truncate(0)
	}

	return nil
}

// Len returns the number of pending batches.
func (s *Spool) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.pending)
}

// Close closes the spool file.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}

	err := s.file.Close()
	s.file = nil

	return err
}

func (s *Spool) commitLocked(seq uint64) error {
	if seq <= s.committed {
		return nil
	}

	s.committed = seq

	return writeCommitted(s.commitPath, seq)
}

// truncate drops everything at and after offset. Entries before the
// offset are unaffected, so pending refs stay valid.
func (s *Spool) truncate(offset int64) error {
	if err := s.file.Truncate(offset); err != nil {
		return fmt.Errorf("spool: truncate: %w", err)
	}

	if _, err := s.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("spool: seek after truncate: %w", err)
	}

	return nil
}

func readCommitted(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}

		return 0, fmt.Errorf("spool: read commit file: %w", err)
	}

	str := strings.TrimSpace(string(data))
	if str == "" {
		return 0, nil
	}

	seq, err := strconv.ParseUint(str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: commit file: %v", ErrCorrupt, err)
	}

	return seq, nil
}

func writeCommitted(path string, seq uint64) error {
	tmp := path + ".tmp"
	payload := []byte(strconv.FormatUint(seq, 10) + "\n")

	if err := os.WriteFile(tmp, payload, defaultFileMode); err != nil {
		return fmt.Errorf("spool: write commit tmp: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)

		return fmt.Errorf("spool: rename commit file: %w", err)
	}

	return nil
}
