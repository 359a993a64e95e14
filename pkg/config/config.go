package config

import (
	"log/slog"
	"time"

	"segkv/pkg/dberrors"
	"segkv/pkg/metrics"
)

const maxBlockSize = 16 << 20

// Disabled turns off BlockCacheCapacity or BloomBitsPerKey. Zero means
// "use the default" for every numeric option.
const Disabled = -1

// Options - tunables of a single database instance.
// yaml tags are consumed by Load.
type Options struct {
	CreateIfMissing bool `yaml:"create_if_missing"`

	// Memtable
	MemtableSizeLimit     int64 `yaml:"memtable_size_limit"`
	MaxImmutableMemtables int   `yaml:"max_immutable_memtables"`
	BackgroundFlush       bool  `yaml:"background_flush"`

	// WAL
	SyncOnWrite     bool  `yaml:"sync_on_write"`
	WALBytesPerSync int64 `yaml:"wal_bytes_per_sync"`

	// Segments
	BlockSize int `yaml:"block_size"`
	// BlockCacheCapacity counts blocks; Disabled turns the cache off.
	BlockCacheCapacity int `yaml:"block_cache_capacity"`
	// BloomBitsPerKey sizes segment filters; Disabled writes none.
	BloomBitsPerKey   int   `yaml:"bloom_bits_per_key"`
	TargetSegmentSize int64 `yaml:"target_segment_size"`

	// Compaction
	CompactionFanoutThreshold int           `yaml:"compaction_fanout_threshold"`
	CompactionSizeMultiplier  float64       `yaml:"compaction_size_multiplier"`
	MaxLevels                 int           `yaml:"max_levels"`
	DisableAutoCompaction     bool          `yaml:"disable_auto_compaction"`
	CompactionRetryBackoff    time.Duration `yaml:"-"`
	CompactionMaxBackoff      time.Duration `yaml:"-"`

	Logger LoggerConfig `yaml:"logger"`

	// Log overrides the logger built from Logger when set.
	Log *slog.Logger `yaml:"-"`
	// Metrics receives engine counters; metrics.Nop when nil.
	Metrics metrics.Collector `yaml:"-"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns options suitable for most embedded uses.
func Default() *Options {
	return &Options{
		CreateIfMissing:           true,
		MemtableSizeLimit:         4 << 20,
		MaxImmutableMemtables:     4,
		BackgroundFlush:           true,
		SyncOnWrite:               true,
		WALBytesPerSync:           1 << 20,
		BlockSize:                 4 << 10,
		BlockCacheCapacity:        1024,
		BloomBitsPerKey:           10,
		TargetSegmentSize:         64 << 20,
		CompactionFanoutThreshold: 4,
		CompactionSizeMultiplier:  10,
		MaxLevels:                 7,
		CompactionRetryBackoff:    100 * time.Millisecond,
		CompactionMaxBackoff:      10 * time.Second,
		Logger: LoggerConfig{
			Level: "INFO",
		},
	}
}

// FillDefaults replaces zero-valued numeric fields with their defaults.
// Boolean fields are left untouched.
func (o *Options) FillDefaults() {
	def := Default()
	if o.MemtableSizeLimit == 0 {
		o.MemtableSizeLimit = def.MemtableSizeLimit
	}
	if o.MaxImmutableMemtables == 0 {
		o.MaxImmutableMemtables = def.MaxImmutableMemtables
	}
	if o.WALBytesPerSync == 0 {
		o.WALBytesPerSync = def.WALBytesPerSync
	}
	if o.BlockSize == 0 {
		o.BlockSize = def.BlockSize
	}
	if o.BlockCacheCapacity == 0 {
		o.BlockCacheCapacity = def.BlockCacheCapacity
	}
	if o.BloomBitsPerKey == 0 {
		o.BloomBitsPerKey = def.BloomBitsPerKey
	}
	if o.TargetSegmentSize == 0 {
		o.TargetSegmentSize = def.TargetSegmentSize
	}
	if o.CompactionFanoutThreshold == 0 {
		o.CompactionFanoutThreshold = def.CompactionFanoutThreshold
	}
	if o.CompactionSizeMultiplier == 0 {
		o.CompactionSizeMultiplier = def.CompactionSizeMultiplier
	}
	if o.MaxLevels == 0 {
		o.MaxLevels = def.MaxLevels
	}
	if o.CompactionRetryBackoff == 0 {
		o.CompactionRetryBackoff = def.CompactionRetryBackoff
	}
	if o.CompactionMaxBackoff == 0 {
		o.CompactionMaxBackoff = def.CompactionMaxBackoff
	}
	if o.Logger.Level == "" {
		o.Logger.Level = def.Logger.Level
	}
}

// Validate reports the first option that is out of range.
func (o *Options) Validate() error {
	switch {
	case o.MemtableSizeLimit <= 0:
		return dberrors.InvalidArgument("memtable_size_limit must be positive, got %d", o.MemtableSizeLimit)
	case o.MaxImmutableMemtables < 1:
		return dberrors.InvalidArgument("max_immutable_memtables must be at least 1, got %d", o.MaxImmutableMemtables)
	case o.WALBytesPerSync < 0:
		return dberrors.InvalidArgument("wal_bytes_per_sync must not be negative, got %d", o.WALBytesPerSync)
	case o.BlockSize < 64 || o.BlockSize > maxBlockSize:
		return dberrors.InvalidArgument("block_size out of range: %d", o.BlockSize)
	case o.BlockCacheCapacity < Disabled:
		return dberrors.InvalidArgument("block_cache_capacity must be -1 or more, got %d", o.BlockCacheCapacity)
	case o.BloomBitsPerKey < Disabled:
		return dberrors.InvalidArgument("bloom_bits_per_key must be -1 or more, got %d", o.BloomBitsPerKey)
	case o.TargetSegmentSize <= 0:
		return dberrors.InvalidArgument("target_segment_size must be positive, got %d", o.TargetSegmentSize)
	case o.CompactionFanoutThreshold < 1:
		return dberrors.InvalidArgument("compaction_fanout_threshold must be at least 1, got %d", o.CompactionFanoutThreshold)
	case o.CompactionSizeMultiplier <= 1:
		return dberrors.InvalidArgument("compaction_size_multiplier must be greater than 1, got %v", o.CompactionSizeMultiplier)
	case o.MaxLevels < 2:
		return dberrors.InvalidArgument("max_levels must be at least 2, got %d", o.MaxLevels)
	}
	if _, err := ParseLevel(o.Logger.Level); err != nil {
		return err
	}
	return nil
}

// Clone returns a shallow copy of the options.
func (o *Options) Clone() *Options {
	c := *o
	return &c
}
