// Package compress provides block compression for snapshot sections and
// archive artifacts.
//
// Blocks are framed as [UncompressedSize uint32][CompressedSize uint32]
// [Data]; CompressedSize == 0 marks an uncompressed block, which is what a
// block falls back to when compression would not pay for itself.
package compress

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Kind identifies the compression algorithm of a block.
type Kind uint8

const (
	// None stores blocks verbatim.
	None Kind = 0
	// LZ4 is fast with a modest ratio, suited to hot-path artifacts.
	LZ4 Kind = 1
	// ZSTD trades a little speed for a better ratio, suited to snapshots.
	ZSTD Kind = 2
)

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case ZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// KindByName resolves a stable name back to a Kind.
func KindByName(name string) (Kind, bool) {
	switch name {
	case "none":
		return None, true
	case "lz4":
		return LZ4, true
	case "zstd":
		return ZSTD, true
	default:
		return 0, false
	}
}

var (
	// ErrBlockTooShort is returned when a block is shorter than its header.
	ErrBlockTooShort = errors.New("compressed block too short")
	// ErrSizeMismatch is returned when decompressed output does not match
	// the declared uncompressed size.
	ErrSizeMismatch = errors.New("decompressed size mismatch")
)

const headerSize = 8

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Block compresses data into a framed block using the given kind.
func Block(data []byte, kind Kind) ([]byte, error) {
	var compressed []byte
	var err error

	switch kind {
	case None:
	case LZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		var c lz4.Compressor
		n, cerr := c.CompressBlock(data, buf)
		if cerr != nil {
			err = cerr
		} else if n > 0 {
			compressed = buf[:n]
		}
	case ZSTD:
		enc := getZstdEncoder()
		compressed = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	default:
		return nil, fmt.Errorf("unsupported compression kind %d", kind)
	}
	if err != nil {
		return nil, err
	}

	// Store uncompressed when compression does not gain at least 10%.
	if compressed == nil || len(compressed) > len(data)*9/10 {
		out := make([]byte, headerSize+len(data))
		binary.LittleEndian.PutUint32(out[0:], uint32(len(data)))
		binary.LittleEndian.PutUint32(out[4:], 0)
		copy(out[headerSize:], data)
		return out, nil
	}

	out := make([]byte, headerSize+len(compressed))
	binary.LittleEndian.PutUint32(out[0:], uint32(len(data)))
	binary.LittleEndian.PutUint32(out[4:], uint32(len(compressed)))
	copy(out[headerSize:], compressed)
	return out, nil
}

// Unblock reverses Block. The kind must match the one the block was
// written with; it is recorded by the enclosing artifact format.
func Unblock(block []byte, kind Kind) ([]byte, error) {
	if len(block) < headerSize {
		return nil, ErrBlockTooShort
	}

	uncompressedSize := binary.LittleEndian.Uint32(block[0:])
	compressedSize := binary.LittleEndian.Uint32(block[4:])
	body := block[headerSize:]

	if compressedSize == 0 {
		if len(body) < int(uncompressedSize) {
			return nil, ErrBlockTooShort
		}
		out := make([]byte, uncompressedSize)
		copy(out, body[:uncompressedSize])
		return out, nil
	}
	if len(body) < int(compressedSize) {
		return nil, ErrBlockTooShort
	}
	body = body[:compressedSize]

	switch kind {
	case LZ4:
		out := make([]byte, uncompressedSize)
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, err
		}
		if n != int(uncompressedSize) {
			return nil, ErrSizeMismatch
		}
		return out, nil
	case ZSTD:
		dec := getZstdDecoder()
		out, err := dec.DecodeAll(body, make([]byte, 0, uncompressedSize))
		zstdDecoderPool.Put(dec)
		if err != nil {
			return nil, err
		}
		if len(out) != int(uncompressedSize) {
			return nil, ErrSizeMismatch
		}
		return out, nil
	default:
		return nil, fmt.Errorf("block marked compressed but kind is %s", kind)
	}
}
