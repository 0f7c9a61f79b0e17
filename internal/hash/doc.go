// Package hash provides CRC32-Castagnoli (CRC32C) helpers for data
// integrity checks on archived artifacts and object-store uploads.
//
// CRC32C is hardware-accelerated on x86 (SSE4.2) and ARM (CRC
// extension) and detects all single-bit, double-bit, and odd-bit
// errors, plus burst errors up to 32 bits. It is the checksum S3
// verifies server side, so uploads and archive manifests share it.
//
// For one-shot checksums:
//
//	checksum := hash.CRC32C(data)
//
// For streaming checksums:
//
//	h := hash.NewCRC32C()
//	h.Write(chunk1)
//	h.Write(chunk2)
//	checksum := h.Sum32()
package hash
