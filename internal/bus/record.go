package bus

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash"
	"hash/crc32"
)

// RecordKind tags what a bus record's JSON payload decodes to.
type RecordKind uint16

const (
	KindUnknown       RecordKind = 0
	KindIntent        RecordKind = 1
	KindFill          RecordKind = 2
	KindSnapshot      RecordKind = 3
	KindIntentExpired RecordKind = 4
)

const (
	recordVersion      uint16 = 1
	recordHeaderSize          = 56
	recordChecksumSize        = 4
)

var (
	recordMagic = [4]byte{'S', 'B', 'U', 'S'}
	crcTable    = crc32.MakeTable(crc32.Castagnoli)
)

var (
	ErrInvalidMagic            = errors.New("bus: invalid record magic")
	ErrUnsupportedRecordVer    = errors.New("bus: unsupported record version")
	ErrInvalidRecordHeaderSize = errors.New("bus: invalid record header size")
	ErrUnknownRecordKind       = errors.New("bus: unknown record kind")
)

// validKind reports whether k is one of the fixed, small set of payload
// kinds a bus log ever carries; decode rejects anything else instead of
// handing a caller an Intent/Fill/Snapshot/IntentExpired switch it can
// silently fall through.
func validKind(k RecordKind) bool {
	switch k {
	case KindIntent, KindFill, KindSnapshot, KindIntentExpired:
		return true
	default:
		return false
	}
}

// RecordHeader frames one JSON payload on a symbol's durable log: a fixed
// binary preamble (magic, version, kind, sequence, timestamps, trace id)
// followed by the payload and a trailing CRC.
type RecordHeader struct {
	Kind    RecordKind
	Version uint16
	Flags   uint16
	Seq     uint64
	TsEvent int64
	TsRecv  int64
	TraceID uint64
}

// Layout (56 bytes). PayloadLen sits right after the magic so a reader can
// size its buffer before touching anything else; TraceID sits before Seq
// so a trace walking the header doesn't need to skip past the timestamps
// first.
//
//	0:4   magic
//	4:8   payloadLen (uint32)
//	8:10  headerSize
//	10:12 wire version (recordVersion)
//	12:14 header.Version
//	14:16 header.Flags
//	16:18 header.Kind
//	18:20 reserved
//	20:28 traceID
//	28:36 seq
//	36:44 tsRecv
//	44:52 tsEvent
//	52:56 reserved
func encodeHeader(dst []byte, header RecordHeader, payloadLen int) {
	_ = dst[recordHeaderSize-1]
	copy(dst[0:4], recordMagic[:])
	binary.LittleEndian.PutUint32(dst[4:8], uint32(payloadLen))
	binary.LittleEndian.PutUint16(dst[8:10], uint16(recordHeaderSize))
	binary.LittleEndian.PutUint16(dst[10:12], recordVersion)
	binary.LittleEndian.PutUint16(dst[12:14], header.Version)
	binary.LittleEndian.PutUint16(dst[14:16], header.Flags)
	binary.LittleEndian.PutUint16(dst[16:18], uint16(header.Kind))
	binary.LittleEndian.PutUint16(dst[18:20], 0) // reserved
	binary.LittleEndian.PutUint64(dst[20:28], header.TraceID)
	binary.LittleEndian.PutUint64(dst[28:36], header.Seq)
	binary.LittleEndian.PutUint64(dst[36:44], uint64(header.TsRecv))
	binary.LittleEndian.PutUint64(dst[44:52], uint64(header.TsEvent))
	binary.LittleEndian.PutUint32(dst[52:56], 0) // reserved
}

// checksum folds header and payload through one running CRC rather than
// two chained Update calls, so callers write bytes to it the same way they
// would to any other hash.Hash32.
func checksum(header []byte, payload []byte) uint32 {
	h := newRecordHash()
	h.Write(header)
	h.Write(payload)
	return h.Sum32()
}

func newRecordHash() hash.Hash32 {
	return crc32.New(crcTable)
}

func decodeRecordHeader(src []byte) (RecordHeader, uint32, error) {
	if len(src) < recordHeaderSize {
		return RecordHeader{}, 0, ErrInvalidRecordHeaderSize
	}
	if !bytes.Equal(src[0:4], recordMagic[:]) {
		return RecordHeader{}, 0, ErrInvalidMagic
	}
	payloadLen := binary.LittleEndian.Uint32(src[4:8])
	if headerSize := binary.LittleEndian.Uint16(src[8:10]); headerSize != recordHeaderSize {
		return RecordHeader{}, 0, ErrInvalidRecordHeaderSize
	}
	if ver := binary.LittleEndian.Uint16(src[10:12]); ver != recordVersion {
		return RecordHeader{}, 0, ErrUnsupportedRecordVer
	}
	h := RecordHeader{
		Version: binary.LittleEndian.Uint16(src[12:14]),
		Flags:   binary.LittleEndian.Uint16(src[14:16]),
		Kind:    RecordKind(binary.LittleEndian.Uint16(src[16:18])),
		TraceID: binary.LittleEndian.Uint64(src[20:28]),
		Seq:     binary.LittleEndian.Uint64(src[28:36]),
		TsRecv:  int64(binary.LittleEndian.Uint64(src[36:44])),
		TsEvent: int64(binary.LittleEndian.Uint64(src[44:52])),
	}
	if !validKind(h.Kind) {
		return h, 0, ErrUnknownRecordKind
	}
	return h, payloadLen, nil
}
