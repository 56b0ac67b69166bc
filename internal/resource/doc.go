// Package resource governs the budgets that bound pocketrag's footprint.
//
//   - Memory: bytes held by resident segments (fail-fast, never blocks)
//   - Background: concurrent compaction jobs (semaphore)
//   - IO: bytes per second written by compaction (token bucket)
//
// A nil *Controller is valid and imposes no limits, so components can take
// one optionally without nil checks.
//
//	rc := resource.NewController(resource.Config{MemoryLimitBytes: 64 << 20})
//	res, err := rc.Reserve(segmentBytes)
//	if errors.Is(err, resource.ErrMemoryLimitExceeded) {
//	    // evict and retry
//	}
//	defer res.Release()
package resource
