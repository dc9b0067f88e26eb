// Package config provides unified configuration management for the Cascade
// processing pipeline.
//
// A single Config structure covers every component so that defaults,
// validation, and file loading live in one place.
//
// # Key Features
//
// - Config: single structure shared by intake, stream, cache, resource, and gate
// - Structured sections: Intake, Stream, Cache, Resource, Concurrency, Observability, Memory
// - Environment variable substitution with ${VAR_NAME} syntax
// - Automatic defaults and validation
//
// # Usage
//
// ## Basic Configuration Loading
//
//	cfg, err := config.LoadPipeline("pipeline.yaml", "reports")
//	if err != nil {
//		log.Fatal(err)
//	}
//
// ## Programmatic Construction
//
//	cfg := config.DefaultConfig("reports")
//	cfg.Intake.MaxRetries = 5
//	cfg.Cache.FastCapacity = 500
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
//
// ## Environment Variable Substitution
//
// YAML values may reference environment variables:
//
//	cache:
//	  compression_algorithm: ${CASCADE_COMPRESSION}
//
// The loader replaces ${CASCADE_COMPRESSION} with the variable's value
// before parsing.
package config
