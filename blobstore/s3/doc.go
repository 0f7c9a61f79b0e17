// Package s3 implements blobstore.Store on Amazon S3.
//
// Store uploads archive blobs with parallel multipart uploads and
// CRC32C integrity validation, and reads them back through ranged GETs.
//
// CommitStore layers DynamoDB conditional writes on top, giving archive
// pointer updates the compare-and-swap semantics S3 lacks, so multiple
// engines can archive the same tenant without clobbering each other.
package s3
