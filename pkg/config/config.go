// Package config provides the unified configuration system for Cascade.
// It defines a single Config structure shared by every component of the
// pipeline, ensuring the same defaults and validation everywhere.
//
// The configuration is organized into logical sections:
//   - Intake: size thresholds, strategy selection, retry policy
//   - Stream: adaptive chunk sizing and backpressure
//   - Cache: tier TTLs, capacities, predictive pre-warming
//   - Resource: pressure sampling and thresholds
//   - Concurrency: admission control
//   - Observability: metrics, tracing, logging
//   - Memory: pooling and buffer management
//
// Example usage:
//
//	cfg := config.DefaultConfig("reports")
//	cfg.Intake.MaxRetries = 5
//	cfg.Cache.FastCapacity = 500
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"runtime"
	"time"
)

// Config is the single unified configuration structure for a pipeline
// instance. Components receive the section they care about; the System
// facade owns the whole structure.
type Config struct {
	// Name identifies the pipeline instance
	Name string `yaml:"name" json:"name"`
	// Version indicates the configuration version
	Version string `yaml:"version" json:"version"`

	// Intake settings control strategy selection and retries
	Intake IntakeConfig `yaml:"intake" json:"intake"`

	// Stream settings control adaptive chunking and backpressure
	Stream StreamConfig `yaml:"stream" json:"stream"`

	// Cache settings control the retention tiers
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// Resource settings control pressure sampling
	Resource ResourceConfig `yaml:"resource" json:"resource"`

	// Concurrency settings control job admission
	Concurrency ConcurrencyConfig `yaml:"concurrency" json:"concurrency"`

	// Observability settings for monitoring and debugging
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`

	// Memory management configuration
	Memory MemoryConfig `yaml:"memory" json:"memory"`
}

// IntakeConfig contains strategy selection and retry settings.
// Sizes are in bytes; the thresholds partition inputs into the
// whole-buffer, streamed, and chunked strategies.
type IntakeConfig struct {
	// SmallThreshold is the largest input handled whole-buffer
	SmallThreshold int64 `yaml:"small_threshold" json:"small_threshold"`
	// LargeThreshold is the largest input handled by streaming
	LargeThreshold int64 `yaml:"large_threshold" json:"large_threshold"`
	// ChunkSize is the fixed chunk size of the chunked strategy
	ChunkSize int64 `yaml:"chunk_size" json:"chunk_size"`
	// MaxRetries sets maximum retry attempts for transient failures
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// RetryDelay is the base delay; attempt n waits n times this
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
	// JobTimeout bounds a whole job including retries (0 = none)
	JobTimeout time.Duration `yaml:"job_timeout" json:"job_timeout"`
	// StrictAdmission rejects new jobs outright under critical pressure
	StrictAdmission bool `yaml:"strict_admission" json:"strict_admission"`
}

// StreamConfig contains adaptive chunk sizing and backpressure settings.
type StreamConfig struct {
	// BaseChunkSize is the starting chunk size for a run
	BaseChunkSize int `yaml:"base_chunk_size" json:"base_chunk_size"`
	// MinChunkSize floors the chunk size under critical pressure
	MinChunkSize int `yaml:"min_chunk_size" json:"min_chunk_size"`
	// MaxChunkSize caps adaptive growth
	MaxChunkSize int `yaml:"max_chunk_size" json:"max_chunk_size"`
	// BackpressureThreshold is the pending-chunk count that suspends the producer
	BackpressureThreshold int `yaml:"backpressure_threshold" json:"backpressure_threshold"`
	// ResumeFactor is the fraction of the threshold at which production resumes
	ResumeFactor float64 `yaml:"resume_factor" json:"resume_factor"`
	// IdleTimeout evicts pooled stages idle longer than this
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	// SampleHistory bounds the performance sample window
	SampleHistory int `yaml:"sample_history" json:"sample_history"`
	// MetricsInterval sets how often run metrics are emitted
	MetricsInterval time.Duration `yaml:"metrics_interval" json:"metrics_interval"`
}

// CacheConfig contains tiered cache settings.
type CacheConfig struct {
	// FastTTL is the retention of the fast tier
	FastTTL time.Duration `yaml:"fast_ttl" json:"fast_ttl"`
	// MediumTTL is the retention of the medium tier
	MediumTTL time.Duration `yaml:"medium_ttl" json:"medium_ttl"`
	// SlowTTL is the retention of the slow tier
	SlowTTL time.Duration `yaml:"slow_ttl" json:"slow_ttl"`
	// PredictiveTTL is the retention of speculative entries
	PredictiveTTL time.Duration `yaml:"predictive_ttl" json:"predictive_ttl"`
	// InactivityWindow evicts entries unused longer than this
	InactivityWindow time.Duration `yaml:"inactivity_window" json:"inactivity_window"`
	// SweepInterval sets how often eviction and rebalance run
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	// FastCapacity bounds fast-tier entries before demotion
	FastCapacity int `yaml:"fast_capacity" json:"fast_capacity"`
	// PopularityThreshold is the access count that marks a key popular
	PopularityThreshold int64 `yaml:"popularity_threshold" json:"popularity_threshold"`
	// PredictiveThreshold is the probability gate for pre-warming
	PredictiveThreshold float64 `yaml:"predictive_threshold" json:"predictive_threshold"`
	// KeyDelimiter splits keys into tokens for relatedness
	KeyDelimiter string `yaml:"key_delimiter" json:"key_delimiter"`
	// CheapCost classifies computations at most this expensive as fast-tier
	CheapCost time.Duration `yaml:"cheap_cost" json:"cheap_cost"`
	// ModerateCost classifies computations at most this expensive as medium-tier
	ModerateCost time.Duration `yaml:"moderate_cost" json:"moderate_cost"`
	// EnableCompression compresses large slow-tier values
	EnableCompression bool `yaml:"enable_compression" json:"enable_compression"`
	// CompressionAlgorithm selects compression type (gzip, snappy, lz4, zstd)
	CompressionAlgorithm string `yaml:"compression_algorithm" json:"compression_algorithm"`
	// CompressionThreshold skips compression for small values
	CompressionThreshold int `yaml:"compression_threshold" json:"compression_threshold"`
	// PrewarmWorkers bounds the background pre-warm/sweep pool
	PrewarmWorkers int `yaml:"prewarm_workers" json:"prewarm_workers"`
}

// ResourceConfig contains pressure sampling settings.
type ResourceConfig struct {
	// SampleInterval sets how often memory and load are sampled
	SampleInterval time.Duration `yaml:"sample_interval" json:"sample_interval"`
	// WarningThreshold is the usage ratio that enters warning
	WarningThreshold float64 `yaml:"warning_threshold" json:"warning_threshold"`
	// CriticalThreshold is the usage ratio that enters critical
	CriticalThreshold float64 `yaml:"critical_threshold" json:"critical_threshold"`
	// MemoryCeilingMB is the reference ceiling (0 = derive from system memory)
	MemoryCeilingMB int `yaml:"memory_ceiling_mb" json:"memory_ceiling_mb"`
	// ReclaimCooldown rate-limits reclaim requests
	ReclaimCooldown time.Duration `yaml:"reclaim_cooldown" json:"reclaim_cooldown"`
}

// ConcurrencyConfig contains job admission settings.
type ConcurrencyConfig struct {
	// MaxConcurrent is the fixed permit count of the gate
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`
}

// ObservabilityConfig contains monitoring and observability settings.
type ObservabilityConfig struct {
	// EnableMetrics activates metrics collection
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics"`
	// EnableTracing activates tracing
	EnableTracing bool `yaml:"enable_tracing" json:"enable_tracing"`
	// MetricsAddr serves Prometheus metrics when non-empty (host:port)
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
	// MetricsInterval sets how often metrics are collected
	MetricsInterval time.Duration `yaml:"metrics_interval" json:"metrics_interval"`
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level"`
	// TracingSampleRate controls trace sampling (0.0-1.0)
	TracingSampleRate float64 `yaml:"tracing_sample_rate" json:"tracing_sample_rate"`
}

// MemoryConfig contains memory management settings.
type MemoryConfig struct {
	// EnablePools activates object pooling
	EnablePools bool `yaml:"enable_pools" json:"enable_pools"`
	// MinBufferSize sets minimum buffer allocation
	MinBufferSize int `yaml:"min_buffer_size" json:"min_buffer_size"`
	// MaxBufferSize sets maximum buffer allocation
	MaxBufferSize int `yaml:"max_buffer_size" json:"max_buffer_size"`
	// GCInterval triggers periodic garbage collection (0 = disabled)
	GCInterval time.Duration `yaml:"gc_interval" json:"gc_interval"`
}

// DefaultConfig creates a Config with production defaults. The thresholds
// follow the sizing contract: inputs up to 10MB are buffered whole, up to
// 100MB streamed, beyond that chunked in 64MB units.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:    name,
		Version: "1.0.0",
		Intake: IntakeConfig{
			SmallThreshold:  10 * 1024 * 1024,
			LargeThreshold:  100 * 1024 * 1024,
			ChunkSize:       64 * 1024 * 1024,
			MaxRetries:      3,
			RetryDelay:      time.Second,
			JobTimeout:      0,
			StrictAdmission: false,
		},
		Stream: StreamConfig{
			BaseChunkSize:         64 * 1024,
			MinChunkSize:          16 * 1024,
			MaxChunkSize:          1024 * 1024,
			BackpressureThreshold: 16,
			ResumeFactor:          0.7,
			IdleTimeout:           5 * time.Minute,
			SampleHistory:         50,
			MetricsInterval:       15 * time.Second,
		},
		Cache: CacheConfig{
			FastTTL:              5 * time.Minute,
			MediumTTL:            30 * time.Minute,
			SlowTTL:              2 * time.Hour,
			PredictiveTTL:        10 * time.Minute,
			InactivityWindow:     time.Hour,
			SweepInterval:        5 * time.Minute,
			FastCapacity:         100,
			PopularityThreshold:  10,
			PredictiveThreshold:  0.7,
			KeyDelimiter:         "_",
			CheapCost:            100 * time.Millisecond,
			ModerateCost:         time.Second,
			EnableCompression:    true,
			CompressionAlgorithm: "snappy",
			CompressionThreshold: 4096,
			PrewarmWorkers:       4,
		},
		Resource: ResourceConfig{
			SampleInterval:    10 * time.Second,
			WarningThreshold:  0.80,
			CriticalThreshold: 0.90,
			MemoryCeilingMB:   0,
			ReclaimCooldown:   30 * time.Second,
		},
		Concurrency: ConcurrencyConfig{
			MaxConcurrent: runtime.NumCPU(),
		},
		Observability: ObservabilityConfig{
			EnableMetrics:     true,
			EnableTracing:     false,
			MetricsAddr:       "",
			MetricsInterval:   30 * time.Second,
			LogLevel:          "info",
			TracingSampleRate: 0.1,
		},
		Memory: MemoryConfig{
			EnablePools:   true,
			MinBufferSize: 4 * 1024,
			MaxBufferSize: 64 * 1024 * 1024,
			GCInterval:    0,
		},
	}
}

// Validate validates the configuration for correctness.
// It checks required fields and ensures values are within acceptable
// ranges. Callers should validate after loading to catch errors early.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Intake.SmallThreshold <= 0 {
		return fmt.Errorf("small_threshold must be positive")
	}
	if c.Intake.LargeThreshold <= c.Intake.SmallThreshold {
		return fmt.Errorf("large_threshold must exceed small_threshold")
	}
	if c.Intake.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive")
	}
	if c.Intake.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	if c.Stream.MinChunkSize <= 0 {
		return fmt.Errorf("min_chunk_size must be positive")
	}
	if c.Stream.BaseChunkSize < c.Stream.MinChunkSize {
		return fmt.Errorf("base_chunk_size must be at least min_chunk_size")
	}
	if c.Stream.MaxChunkSize < c.Stream.BaseChunkSize {
		return fmt.Errorf("max_chunk_size must be at least base_chunk_size")
	}
	if c.Stream.BackpressureThreshold <= 0 {
		return fmt.Errorf("backpressure_threshold must be positive")
	}
	if c.Stream.ResumeFactor <= 0 || c.Stream.ResumeFactor >= 1 {
		return fmt.Errorf("resume_factor must be in (0, 1)")
	}
	if c.Stream.SampleHistory <= 0 {
		return fmt.Errorf("sample_history must be positive")
	}
	if c.Cache.FastCapacity <= 0 {
		return fmt.Errorf("fast_capacity must be positive")
	}
	if c.Cache.PredictiveThreshold < 0 || c.Cache.PredictiveThreshold > 1 {
		return fmt.Errorf("predictive_threshold must be in [0, 1]")
	}
	if c.Cache.KeyDelimiter == "" {
		return fmt.Errorf("key_delimiter is required")
	}
	if c.Cache.CheapCost <= 0 || c.Cache.ModerateCost <= c.Cache.CheapCost {
		return fmt.Errorf("cost thresholds must satisfy 0 < cheap_cost < moderate_cost")
	}
	if c.Resource.WarningThreshold <= 0 || c.Resource.WarningThreshold >= 1 {
		return fmt.Errorf("warning_threshold must be in (0, 1)")
	}
	if c.Resource.CriticalThreshold <= c.Resource.WarningThreshold || c.Resource.CriticalThreshold > 1 {
		return fmt.Errorf("critical_threshold must be in (warning_threshold, 1]")
	}
	if c.Concurrency.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive")
	}
	return nil
}

// Permits returns the gate permit count, ensuring it's at least 1
func (cc *ConcurrencyConfig) Permits() int {
	if cc.MaxConcurrent <= 0 {
		return runtime.NumCPU()
	}
	return cc.MaxConcurrent
}

// ResumeLevel returns the pending count at which a suspended producer resumes
func (s *StreamConfig) ResumeLevel() int {
	level := int(float64(s.BackpressureThreshold) * s.ResumeFactor)
	if level < 1 {
		return 1
	}
	return level
}

// IsCompressionEnabled returns true if slow-tier compression should be used
func (cc *CacheConfig) IsCompressionEnabled() bool {
	return cc.EnableCompression && cc.CompressionAlgorithm != ""
}

// CeilingBytes converts the configured ceiling to bytes (0 when unset)
func (r *ResourceConfig) CeilingBytes() uint64 {
	if r.MemoryCeilingMB <= 0 {
		return 0
	}
	return uint64(r.MemoryCeilingMB) * 1024 * 1024
}
