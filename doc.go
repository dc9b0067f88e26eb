// Package cascade provides an adaptive large-input processing and tiered
// caching pipeline. It ingests inputs of unknown and widely varying size,
// chooses a processing strategy under current memory and CPU pressure,
// streams data through a caller-supplied processing function with
// backpressure, and caches computed results across retention tiers with
// usage-driven promotion and predictive pre-warming.
//
// # Architecture
//
// A System wires five components around a shared event bus:
//
// 1. Intake selector (pkg/intake): classifies each submission by size into
// the whole-buffer, streamed, or chunked strategy, downgrades one level
// under critical pressure, and retries transient failures with linear
// backoff.
//
// 2. Stream engine (internal/pipeline): drives streamed runs through
// adaptively sized chunks with producer backpressure and pooled worker
// stages reused across runs.
//
// 3. Tiered cache (pkg/cache): predictive, fast, medium, and slow
// retention tiers with promote-on-hit copies, cost-based placement,
// access-pattern tracking, and single-flight computation.
//
// 4. Resource monitor (pkg/resource): periodic memory and load sampling
// classified into optimal, warning, and critical pressure, plus
// best-effort memory reclamation.
//
// 5. Admission gate (pkg/gate): a fixed-capacity FIFO semaphore bounding
// simultaneous jobs.
//
// There are no package-level singletons: every component is constructed by
// New, owned by the System, and torn down by Close.
//
// # Quick Start
//
// Process a file through a transformation function:
//
//	cfg := config.DefaultConfig("reports")
//	system, err := cascade.New(cfg, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	system.Start(ctx)
//	defer system.Close(ctx)
//
//	result, err := system.SubmitFile(ctx, "input.ndjson",
//	    func(ctx context.Context, chunk []byte, meta intake.ChunkMeta) ([]byte, error) {
//	        return transform(chunk)
//	    }, nil)
//
// Inputs up to the small threshold (default 10MB) are buffered whole and
// processed in one call; inputs up to the large threshold (default 100MB)
// stream through the engine in adaptive chunks; anything larger is
// processed in fixed 64MB chunks with mandatory progress reporting.
//
// # Caching
//
// Expensive derived artifacts are cached through the tiered cache facade:
//
//	lookup, err := system.GetOrCompute(ctx, "report_2024_q3", func(ctx context.Context) ([]byte, error) {
//	    return renderReport(ctx)
//	})
//	// lookup.Source is "compute" on the first call and a tier name after.
//
// Supplying SubmitOptions.CacheKey routes a whole submission through the
// cache, skipping processing entirely on a hit.
//
// # Events
//
// Observers subscribe to typed events with explicit handles:
//
//	sub := system.Subscribe(events.TypeJobCompleted, events.TypeJobFailed)
//	defer sub.Unsubscribe()
//	for evt := range sub.C() {
//	    ...
//	}
//
// The bus carries progress, metrics, pressure_changed, job_completed, and
// job_failed events. Delivery is non-blocking; a slow subscriber loses
// events rather than stalling producers.
package cascade
