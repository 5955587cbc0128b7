// Package async provides safe concurrent execution primitives for background tasks.
//
// # Overview
//
// This package handles goroutine lifecycle management with panic recovery, timeout
// enforcement, context cancellation, and error collection. Failures are reported
// through the caller's logrus logger.
//
// # Key Functions
//
// SafeGo: Execute function in goroutine with safety features
//
//	async.SafeGo(ctx, logger, 10*time.Minute, "collection export", func(ctx context.Context) error {
//		return copyCollection(ctx, name)
//	})
//
// WorkerPool: Managed pool of concurrent workers over a bounded queue
//
//	pool := async.NewWorkerPool(ctx, logger, 8, 1024, "audit dispatch", 30*time.Second)
//	defer pool.Shutdown(5 * time.Second)
//
//	if err := pool.TrySubmit(task); errors.Is(err, async.ErrPoolFull) {
//		// shed load
//	}
//
// Batch: Concurrent batch processing
//
//	errs := async.Batch(ctx, logger, collections, 4, "collection export", time.Minute, copyCollection)
//
// # Related Packages
//
//   - pkg/audit: Dispatcher runs writer invocations on a WorkerPool
//   - pkg/backup: S3Exporter copies collections with SafeGo and Batch
package async
