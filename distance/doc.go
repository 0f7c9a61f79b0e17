// Package distance provides vector distance calculations.
//
// # Supported Metrics
//
//   - MetricCosine: cosine distance 1 - cos(a, b) (default)
//   - MetricL2: squared Euclidean distance
//   - MetricDot: negated dot product
//
// Every Func returned by Provider orders vectors by ascending distance,
// regardless of metric.
//
// # Usage
//
//	dist := distance.SquaredL2(a, b)
//	sim := distance.Dot(a, b)
//	ok := distance.NormalizeL2InPlace(vec)
package distance
