// Package testutil provides testing utilities for memgo.
//
// This package is intended for use in tests and benchmarks only.
// It provides seeded generators for embedding vectors and skewed
// attribute distributions.
//
//	rng := testutil.NewRNG(seed)
//	vecs := rng.UnitVectors(1000, 64)
//	buckets := rng.ZipfBuckets(1000, 30, 1.5)
package testutil
