package claimlog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hupe1980/memgo/claim"
	"github.com/hupe1980/memgo/codec"
	"github.com/hupe1980/memgo/internal/compress"
	"github.com/hupe1980/memgo/internal/fs"
	"github.com/hupe1980/memgo/persistence"
)

const (
	snapshotMagic   = "MEMGSNAP" // 8 bytes
	snapshotVersion = 1
)

// ErrInvalidSnapshot is returned for snapshot files with a bad header or
// trailing checksum.
var ErrInvalidSnapshot = errors.New("invalid snapshot file")

// SnapshotInfo describes a snapshot artifact.
type SnapshotInfo struct {
	Seq         claim.Sequence
	Count       int
	CodecName   string
	Compression compress.Kind
}

// WriteSnapshot writes a point-in-time claim materialization at sequence seq
// to path. The artifact is checksummed, compressed and renamed into place
// atomically; a crash never leaves a partial snapshot behind.
//
// Format:
//
//	[Magic: 8] [Version: 4] [CodecLen: 1][Codec] [CompressLen: 1][Compress]
//	[Seq: 8] [Count: 4]
//	[BlockLen: 4] [Block]      block holds Count length-prefixed claims
//	[CRC32: 4]                 over everything before it
func WriteSnapshot(fsys fs.FileSystem, path string, c codec.Codec, kind compress.Kind, seq claim.Sequence, claims []claim.Claim) error {
	if c == nil {
		c = codec.Default
	}

	return persistence.SaveToFile(fsys, path, func(w io.Writer) error {
		return writeSnapshotTo(w, c, kind, seq, claims)
	})
}

func writeSnapshotTo(w io.Writer, c codec.Codec, kind compress.Kind, seq claim.Sequence, claims []claim.Claim) error {
	cw := persistence.NewChecksumWriter(w)

	codecName := c.Name()
	compressName := kind.String()
	if len(codecName) > 255 || len(compressName) > 255 {
		return fmt.Errorf("%w: name too long", ErrInvalidSnapshot)
	}

	header := make([]byte, 0, 8+4+2+len(codecName)+len(compressName)+8+4)
	header = append(header, snapshotMagic...)
	header = binary.LittleEndian.AppendUint32(header, snapshotVersion)
	header = append(header, byte(len(codecName)))
	header = append(header, codecName...)
	header = append(header, byte(len(compressName)))
	header = append(header, compressName...)
	header = binary.LittleEndian.AppendUint64(header, uint64(seq))
	header = binary.LittleEndian.AppendUint32(header, uint32(len(claims)))

	if _, err := cw.Write(header); err != nil {
		return err
	}

	var body bytes.Buffer
	var lenBuf [4]byte
	for i := range claims {
		payload, err := c.Marshal(&claims[i])
		if err != nil {
			return fmt.Errorf("claimlog: encode snapshot claim %d: %w", claims[i].ID, err)
		}
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
		body.Write(lenBuf[:])
		body.Write(payload)
	}

	block, err := compress.Block(body.Bytes(), kind)
	if err != nil {
		return fmt.Errorf("claimlog: compress snapshot: %w", err)
	}

	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(block)))
	if _, err := cw.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := cw.Write(block); err != nil {
		return err
	}

	// Trailer goes to the raw writer; the checksum does not cover itself.
	binary.LittleEndian.PutUint32(lenBuf[:], cw.Sum())
	_, err = w.Write(lenBuf[:])

	return err
}

// LoadSnapshot reads the snapshot at path, verifies its checksum and passes
// every claim to apply in snapshot order. The claim passed to apply is only
// valid for the duration of the call.
func LoadSnapshot(fsys fs.FileSystem, path string, apply func(c *claim.Claim) error) (*SnapshotInfo, error) {
	var info *SnapshotInfo

	err := persistence.LoadFromFile(fsys, path, func(r io.Reader) error {
		loaded, lerr := readSnapshotFrom(r, apply)
		info = loaded
		return lerr
	})
	if err != nil {
		return nil, err
	}

	return info, nil
}

func readSnapshotFrom(r io.Reader, apply func(c *claim.Claim) error) (*SnapshotInfo, error) {
	cr := persistence.NewChecksumReader(r)

	fixed := make([]byte, 12)
	if _, err := io.ReadFull(cr, fixed); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}
	if string(fixed[0:8]) != snapshotMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrInvalidSnapshot, fixed[0:8])
	}
	if ver := binary.LittleEndian.Uint32(fixed[8:12]); ver != snapshotVersion {
		return nil, fmt.Errorf("%w: version %d (expected %d)", ErrIncompatibleVersion, ver, snapshotVersion)
	}

	readName := func() (string, error) {
		var lb [1]byte
		if _, err := io.ReadFull(cr, lb[:]); err != nil {
			return "", err
		}
		name := make([]byte, lb[0])
		if _, err := io.ReadFull(cr, name); err != nil {
			return "", err
		}
		return string(name), nil
	}

	codecName, err := readName()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}
	compressName, err := readName()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}

	c, ok := codec.ByName(codecName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, codecName)
	}
	kind, ok := compress.KindByName(compressName)
	if !ok {
		return nil, fmt.Errorf("%w: unknown compression %q", ErrInvalidSnapshot, compressName)
	}

	tail := make([]byte, 12)
	if _, err := io.ReadFull(cr, tail); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}
	seq := binary.LittleEndian.Uint64(tail[0:8])
	count := int(binary.LittleEndian.Uint32(tail[8:12]))

	var lenBuf [4]byte
	if _, err := io.ReadFull(cr, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}
	block := make([]byte, binary.LittleEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(cr, block); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}

	// Verify before decoding: a corrupt snapshot must fail loudly, not
	// produce plausible claims. The trailer is read from the raw reader so
	// it does not feed the running checksum.
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: missing trailer: %w", ErrInvalidSnapshot, err)
	}
	if err := cr.Verify(binary.LittleEndian.Uint32(lenBuf[:])); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}

	body, err := compress.Unblock(block, kind)
	if err != nil {
		return nil, fmt.Errorf("claimlog: decompress snapshot: %w", err)
	}

	info := &SnapshotInfo{
		Seq:         claim.Sequence(seq),
		Count:       count,
		CodecName:   codecName,
		Compression: kind,
	}

	for i := 0; i < count; i++ {
		if len(body) < 4 {
			return nil, fmt.Errorf("%w: truncated claim %d", ErrInvalidSnapshot, i)
		}
		n := binary.LittleEndian.Uint32(body)
		body = body[4:]
		if len(body) < int(n) {
			return nil, fmt.Errorf("%w: truncated claim %d", ErrInvalidSnapshot, i)
		}

		var cl claim.Claim
		if err := c.Unmarshal(body[:n], &cl); err != nil {
			return nil, fmt.Errorf("claimlog: decode snapshot claim %d: %w", i, err)
		}
		body = body[n:]

		if apply != nil {
			if err := apply(&cl); err != nil {
				return nil, err
			}
		}
	}

	return info, nil
}
