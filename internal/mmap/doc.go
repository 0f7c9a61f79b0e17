// Package mmap provides read-only memory-mapped file access.
//
// # Overview
//
// Memory mapping gives direct access to file contents without copying
// them through kernel buffers. The engine uses it to read archived
// snapshot blobs, which can be large, without holding them on the heap.
//
// # Usage
//
//	m, err := mmap.Open("snapshot.msnap")
//	if err != nil { ... }
//	defer m.Close()
//
//	// Zero-copy access to file contents
//	data := m.Bytes()
//
//	// Create a view into a specific region
//	region, _ := m.Region(offset, size)
//
//	// Provide kernel hints for access patterns
//	m.Advise(mmap.AccessSequential)
//
// # Platform Support
//
//   - Unix (Linux, macOS, BSD): mmap(2) with madvise(2) for access hints
//   - Windows: CreateFileMapping/MapViewOfFile (madvise is a no-op)
//
// # Thread Safety
//
// Mapping and Region are safe for concurrent read access. Close is
// idempotent. Callers must ensure no goroutine touches Bytes() after
// Close() returns.
package mmap
