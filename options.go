package memgo

import (
	"log/slog"

	"github.com/hupe1980/memgo/ann"
	"github.com/hupe1980/memgo/claimlog"
	"github.com/hupe1980/memgo/codec"
	"github.com/hupe1980/memgo/internal/compress"
	"github.com/hupe1980/memgo/internal/fs"
	"github.com/hupe1980/memgo/metadata"
	"github.com/hupe1980/memgo/resource"
	"github.com/hupe1980/memgo/retrieval"
	"github.com/hupe1980/memgo/segcache"
)

// Compression selects the block compressor used for snapshot artifacts.
type Compression int

const (
	// CompressionZstd trades a little speed for a better ratio. Default.
	CompressionZstd Compression = iota
	// CompressionLZ4 is fast with a modest ratio.
	CompressionLZ4
	// CompressionNone stores snapshot blocks verbatim.
	CompressionNone
)

func (c Compression) kind() compress.Kind {
	switch c {
	case CompressionLZ4:
		return compress.LZ4
	case CompressionNone:
		return compress.None
	default:
		return compress.ZSTD
	}
}

type options struct {
	codec            codec.Codec
	durability       claimlog.DurabilityPolicy
	compression      Compression
	metricsCollector MetricsCollector
	logger           *Logger
	controller       *resource.Controller
	fsys             fs.FileSystem
	cacheOptFns      []func(*segcache.Options)
	annOptFns        []func(*ann.Options)
	metadataOptFns   []func(*metadata.Options)
	searchOptFns     []func(*retrieval.Options)
}

// Option configures Open behavior and the engine's component defaults.
type Option func(*options)

// WithCodec configures the codec used for log and snapshot payloads.
//
// If nil is passed, codec.Default is used. An existing partition must be
// reopened with the codec it was created with.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithDurabilityPolicy configures when appended records reach stable
// storage. The default syncs every append before acknowledging it;
// relaxed policies must be acknowledged explicitly or Open refuses them.
func WithDurabilityPolicy(p claimlog.DurabilityPolicy) Option {
	return func(o *options) {
		o.durability = p
	}
}

// WithCompression configures the snapshot block compressor.
func WithCompression(c Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &memgo.BasicMetricsCollector{}
//	mg, _ := memgo.Open(dir, memgo.WithMetricsCollector(metrics))
//	// ... use mg ...
//	stats := metrics.GetStats()
//	fmt.Printf("Inserts: %d, Avg latency: %dns\n", stats.InsertCount, stats.InsertAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := memgo.NewJSONLogger(slog.LevelInfo)
//	mg, _ := memgo.Open(dir, memgo.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithResourceController configures the shared memory and IO budget used
// by the segment cache and archive transfers.
func WithResourceController(c *resource.Controller) Option {
	return func(o *options) {
		o.controller = c
	}
}

// WithCacheOptions configures the segment cache.
func WithCacheOptions(optFns ...func(*segcache.Options)) Option {
	return func(o *options) {
		o.cacheOptFns = append(o.cacheOptFns, optFns...)
	}
}

// WithCacheCapacity bounds the resident segment bytes.
// Convenience wrapper for WithCacheOptions.
func WithCacheCapacity(bytes int64) Option {
	return WithCacheOptions(func(so *segcache.Options) {
		so.Capacity = bytes
	})
}

// WithANNOptions configures the per-partition ANN indexes.
func WithANNOptions(optFns ...func(*ann.Options)) Option {
	return func(o *options) {
		o.annOptFns = append(o.annOptFns, optFns...)
	}
}

// WithMetadataOptions configures the per-partition metadata indexes.
func WithMetadataOptions(optFns ...func(*metadata.Options)) Option {
	return func(o *options) {
		o.metadataOptFns = append(o.metadataOptFns, optFns...)
	}
}

// WithSearchOptions configures the retrieval pipeline (fusion weights,
// recency half-life, candidate limits).
func WithSearchOptions(optFns ...func(*retrieval.Options)) Option {
	return func(o *options) {
		o.searchOptFns = append(o.searchOptFns, optFns...)
	}
}

// withFileSystem swaps the filesystem, used by tests for fault injection.
func withFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		o.fsys = fsys
	}
}

func applyOptions(optFns []Option) *options {
	o := &options{
		durability:       claimlog.DefaultDurabilityPolicy(),
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(o)
		}
	}
	if o.codec == nil {
		o.codec = codec.Default
	}
	if o.fsys == nil {
		o.fsys = fs.Default
	}
	return o
}
