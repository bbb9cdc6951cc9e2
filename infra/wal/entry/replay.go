package entry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	ErrCorrupt     = errors.New("wal: corrupt record")
	ErrNonMonotone = errors.New("wal: non-monotonic sequence")
)

type ReplayHandler func(*Record) error

// Replay feeds fn every record with Seq > after, in log order, and returns
// the last sequence seen. A torn frame at the end of the newest segment
// is treated as the end of the log; anywhere else it is corruption.
func Replay(dir string, after uint64, fn ReplayHandler) (lastSeq uint64, err error) {
	files, err := segments(dir)
	if err != nil {
		return 0, err
	}

	lastSeq = after
	var prev uint64
	for i, path := range files {
		last := i == len(files)-1
		prev, err = replaySegment(path, prev, last, func(rec *Record) error {
			if rec.Seq <= after {
				return nil
			}
			lastSeq = rec.Seq
			return fn(rec)
		})
		if err != nil {
			return lastSeq, err
		}
	}
	return lastSeq, nil
}

func replaySegment(path string, prev uint64, last bool, fn ReplayHandler) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return prev, err
	}
	defer f.Close()

	for {
		rec, err := readRecord(f)
		switch {
		case errors.Is(err, io.EOF):
			return prev, nil
		case errors.Is(err, io.ErrUnexpectedEOF) && last:
			return prev, nil
		case err != nil:
			return prev, fmt.Errorf("%s: %w", path, err)
		}

		if rec.Seq <= prev {
			return prev, fmt.Errorf("%w: %d after %d", ErrNonMonotone, rec.Seq, prev)
		}
		prev = rec.Seq

		if err := fn(rec); err != nil {
			return prev, err
		}
	}
}

func readRecord(r io.Reader) (*Record, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	t := RecordType(header[0])
	seq := binary.BigEndian.Uint64(header[1:9])
	ts := binary.BigEndian.Uint64(header[9:17])
	l := int64(binary.BigEndian.Uint32(header[17:21]))
	if l > MaxPayload {
		return nil, fmt.Errorf("%w: payload length %d at seq %d", ErrCorrupt, l, seq)
	}

	data := make([]byte, l+crcSize)
	if _, err := io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	payload := data[:l]
	crc := binary.BigEndian.Uint32(data[l:])
	if !CRC32Valid(append(header, payload...), crc) {
		return nil, fmt.Errorf("%w: crc mismatch at seq %d", ErrCorrupt, seq)
	}

	return &Record{
		Type: t,
		Seq:  seq,
		Time: int64(ts),
		Data: payload,
	}, nil
}
