// Package commandqueue provides lane-based task execution with FIFO ordering per lane.
//
// Invariants:
// - Tasks in the same lane execute in submission order, one at a time.
// - Tasks in different lanes may execute concurrently.
// - Submit never blocks; the returned Handle resolves when the task ends or is rejected.
// - Deleting a lane rejects its queued tasks; the running one finishes on its own.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	h := queue.Submit(ctx, "session:abc", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	}, nil)
//	result, err := h.Wait(ctx)
package commandqueue
