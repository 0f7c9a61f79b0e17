// Package blobstore provides storage abstraction for archived engine
// artifacts: checkpoint snapshots, exported log segments, and the
// archive manifests that describe them.
//
// Store is the interface for writing and reading immutable blobs.
// Implementations must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - LocalStore: local filesystem with mmap-backed reads
//   - MemoryStore: in-memory store for tests
//   - s3.Store: Amazon S3 with parallel multipart uploads and range reads
//   - s3.CommitStore: S3 plus DynamoDB conditional writes for atomic
//     archive pointer updates with concurrent archivers
//   - minio.Store: MinIO and other S3-compatible object stores
//
// # Custom Implementations
//
// Implement the Store interface to support other backends. Puts must be
// atomic: a reader must never observe a partially written blob.
package blobstore
