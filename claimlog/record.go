package claimlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// RecordType identifies the type of log record.
type RecordType uint8

const (
	// RecordTypeClaim carries a codec-encoded claim insertion.
	RecordTypeClaim RecordType = 1
	// RecordTypeTombstone carries a codec-encoded logical delete.
	RecordTypeTombstone RecordType = 2
)

const (
	logMagic      = "MEMGOLOG" // 8 bytes
	logVersion    = 1
	recordEnvSize = 4 + 13 // CRC + (Type + Seq + Len)

	// maxPayloadSize is a sanity limit on the declared payload length.
	// Anything larger is treated as corruption, not as a giant record.
	maxPayloadSize = 64 << 20
)

var (
	ErrInvalidCRC          = errors.New("invalid log record checksum")
	ErrInvalidType         = errors.New("invalid log record type")
	ErrRecordTooLarge      = errors.New("log record too large")
	ErrInvalidHeader       = errors.New("invalid log file header")
	ErrIncompatibleVersion = errors.New("incompatible log format version")
	ErrUnknownCodec        = errors.New("unknown log payload codec")
	ErrCodecMismatch       = errors.New("log payload codec mismatch")
)

// castagnoli is the CRC-32C polynomial table used for record checksums.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Record is a single framed mutation in a claim log.
//
// Wire format (little-endian):
//
//	[CRC32: 4 bytes] [Type: 1 byte] [Seq: 8 bytes] [Len: 4 bytes] [Payload: Len bytes]
//
// The checksum covers Type through Payload. The payload encoding is owned by
// the log file header, which records the codec name.
type Record struct {
	Type    RecordType
	Seq     uint64
	Payload []byte
}

// Encode writes the framed record to w.
func (r *Record) Encode(w io.Writer) error {
	header := make([]byte, 13)
	header[0] = byte(r.Type)
	binary.LittleEndian.PutUint64(header[1:], r.Seq)
	binary.LittleEndian.PutUint32(header[9:], uint32(len(r.Payload)))

	crc := crc32.New(castagnoli)
	crc.Write(header)
	crc.Write(r.Payload)

	var sum [4]byte
	binary.LittleEndian.PutUint32(sum[:], crc.Sum32())

	if _, err := w.Write(sum[:]); err != nil {
		return err
	}
	if _, err := w.Write(header); err != nil {
		return err
	}
	if _, err := w.Write(r.Payload); err != nil {
		return err
	}

	return nil
}

// EncodedSize returns the on-disk size of the record in bytes.
func (r *Record) EncodedSize() int64 {
	return recordEnvSize + int64(len(r.Payload))
}

// DecodeRecord reads the next framed record from r.
//
// The second return value is the number of bytes consumed from r, including
// partial reads of a record that turned out to be invalid. Callers replaying
// a file track the offset of the last successfully decoded record themselves;
// the consumed count only describes how far this call advanced the reader.
func DecodeRecord(r io.Reader) (*Record, int64, error) {
	var sum [4]byte
	if _, err := io.ReadFull(r, sum[:]); err != nil {
		return nil, 0, err
	}
	checksum := binary.LittleEndian.Uint32(sum[:])

	header := make([]byte, 13)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, 4, err
	}

	recType := RecordType(header[0])
	seq := binary.LittleEndian.Uint64(header[1:])
	length := binary.LittleEndian.Uint32(header[9:])

	if length > maxPayloadSize {
		return nil, 4 + 13, ErrRecordTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, 4 + 13, err
	}

	crc := crc32.New(castagnoli)
	crc.Write(header)
	crc.Write(payload)
	if crc.Sum32() != checksum {
		return nil, 4 + 13 + int64(length), ErrInvalidCRC
	}

	if recType != RecordTypeClaim && recType != RecordTypeTombstone {
		return nil, 4 + 13 + int64(length), ErrInvalidType
	}

	return &Record{Type: recType, Seq: seq, Payload: payload}, 4 + 13 + int64(length), nil
}

// writeLogHeader writes the self-describing file header and returns its size.
//
// Layout: [Magic: 8 bytes] [Version: 4 bytes] [CodecLen: 1 byte] [Codec: CodecLen bytes]
func writeLogHeader(w io.Writer, codecName string) (int64, error) {
	if len(codecName) > 255 {
		return 0, fmt.Errorf("%w: codec name too long", ErrInvalidHeader)
	}

	header := make([]byte, 13+len(codecName))
	copy(header[0:8], logMagic)
	binary.LittleEndian.PutUint32(header[8:12], uint32(logVersion))
	header[12] = byte(len(codecName))
	copy(header[13:], codecName)

	if _, err := w.Write(header); err != nil {
		return 0, err
	}

	return int64(len(header)), nil
}

// readLogHeader reads and validates the file header, returning the codec name
// recorded at creation time and the header size.
func readLogHeader(r io.Reader) (string, int64, error) {
	fixed := make([]byte, 13)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return "", 0, fmt.Errorf("%w: %w", ErrInvalidHeader, err)
	}

	if string(fixed[0:8]) != logMagic {
		return "", 0, fmt.Errorf("%w: bad magic %q", ErrInvalidHeader, fixed[0:8])
	}

	ver := binary.LittleEndian.Uint32(fixed[8:12])
	if ver != logVersion {
		return "", 0, fmt.Errorf("%w: version %d (expected %d)", ErrIncompatibleVersion, ver, logVersion)
	}

	nameLen := int(fixed[12])
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return "", 0, fmt.Errorf("%w: %w", ErrInvalidHeader, err)
	}

	return string(name), int64(13 + nameLen), nil
}
