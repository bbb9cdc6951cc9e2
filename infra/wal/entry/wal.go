package entry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"limitbook/infra/memory"
)

const (
	// Frame: [type:1][seq:8][time:8][len:4][payload][crc:4]
	headerSize = 1 + 8 + 8 + 4
	crcSize    = 4

	DefaultSegmentSize = 64 << 20

	// MaxPayload bounds a record body. A longer length field on disk is
	// corruption, not a frame to allocate for.
	MaxPayload = 1 << 20
)

var (
	ErrClosed   = errors.New("wal: closed")
	ErrTooLarge = errors.New("wal: record payload too large")
)

type Config struct {
	Dir         string
	SegmentSize int64
	// SyncOnAppend fsyncs after every record.
	SyncOnAppend bool
}

// WAL is the append-only command log. Append is safe for concurrent use;
// records land in the order Append is called.
type WAL struct {
	dir      string
	segSize  int64
	syncEach bool
	bufs     *memory.FramePool

	mu      sync.Mutex
	current *segment
	closed  bool
}

// Open resumes the newest segment in cfg.Dir, cutting off a torn frame
// left by a crash, or starts segment 0.
func Open(cfg Config) (*WAL, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = DefaultSegmentSize
	}

	files, err := segments(cfg.Dir)
	if err != nil {
		return nil, err
	}
	index := 0
	if n := len(files); n > 0 {
		if index, err = segmentIndex(files[n-1]); err != nil {
			return nil, err
		}
		if err := repairTail(files[n-1]); err != nil {
			return nil, err
		}
	}

	seg, err := openSegment(cfg.Dir, index)
	if err != nil {
		return nil, err
	}

	return &WAL{
		dir:      cfg.Dir,
		segSize:  cfg.SegmentSize,
		syncEach: cfg.SyncOnAppend,
		bufs:     memory.NewFramePool(256, 64<<10),
		current:  seg,
	}, nil
}

func (w *WAL) Append(r *Record) error {
	if len(r.Data) > MaxPayload {
		return fmt.Errorf("%w: %d bytes at seq %d", ErrTooLarge, len(r.Data), r.Seq)
	}

	bp := w.bufs.Get()
	buf := encodeFrame(*bp, r)
	defer func() {
		*bp = buf
		w.bufs.Put(bp)
	}()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if err := w.current.append(buf); err != nil {
		return err
	}
	if w.syncEach {
		if err := w.current.sync(); err != nil {
			return err
		}
	}
	if w.current.offset >= w.segSize {
		return w.rotate()
	}
	return nil
}

func encodeFrame(buf []byte, r *Record) []byte {
	payloadLen := uint32(len(r.Data))

	var header [headerSize]byte
	header[0] = byte(r.Type)
	binary.BigEndian.PutUint64(header[1:9], r.Seq)
	binary.BigEndian.PutUint64(header[9:17], uint64(r.Time))
	binary.BigEndian.PutUint32(header[17:21], payloadLen)

	buf = append(buf, header[:]...)
	buf = append(buf, r.Data...)
	return binary.BigEndian.AppendUint32(buf, CRC32(buf))
}

func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.current.sync()
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.current.sync(); err != nil {
		_ = w.current.close()
		return err
	}
	return w.current.close()
}

func (w *WAL) Dir() string { return w.dir }

func (w *WAL) rotate() error {
	if err := w.current.sync(); err != nil {
		return err
	}
	_ = w.current.close()

	seg, err := openSegment(w.dir, w.current.index+1)
	if err != nil {
		return err
	}
	w.current = seg
	return nil
}

// TruncateBefore removes closed segments whose records are all <= seq.
// The active segment is never removed.
func (w *WAL) TruncateBefore(seq uint64) (int, error) {
	w.mu.Lock()
	active := w.current.index
	w.mu.Unlock()

	files, err := segments(w.dir)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, path := range files {
		idx, err := segmentIndex(path)
		if err != nil || idx >= active {
			continue
		}
		maxSeq, err := maxSeqInSegment(path)
		if err != nil {
			continue
		}
		if maxSeq <= seq {
			if err := os.Remove(path); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// repairTail truncates path after its last complete frame.
func repairTail(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	var good int64
	for {
		rec, err := readRecord(f)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return f.Truncate(good)
		}
		if err != nil {
			return err
		}
		good += int64(headerSize + len(rec.Data) + crcSize)
	}
}
