package entry

import "time"

type RecordType uint8

const (
	RecordPlace RecordType = iota + 1
	RecordFill
	RecordCancel
	RecordConsume
)

func (t RecordType) String() string {
	switch t {
	case RecordPlace:
		return "PLACE"
	case RecordFill:
		return "FILL"
	case RecordCancel:
		return "CANCEL"
	case RecordConsume:
		return "CONSUME"
	default:
		return "UNKNOWN"
	}
}

// Record is one framed WAL entry. Data is a codec.Command.
type Record struct {
	Type RecordType
	Seq  uint64
	Time int64
	Data []byte
}

func NewRecord(t RecordType, seq uint64, data []byte) *Record {
	return &Record{
		Type: t,
		Seq:  seq,
		Time: time.Now().UnixNano(),
		Data: data,
	}
}
