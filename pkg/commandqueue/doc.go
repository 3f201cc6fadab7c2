// Package commandqueue provides lane-based task execution with FIFO ordering per lane.
//
// Invariants:
// - Tasks in the same lane execute in FIFO order.
// - Tasks in different lanes may execute concurrently.
// - A task withdrawn before it starts never runs.
//
// Usage:
//
//	queue := commandqueue.New(commandqueue.Options{})
//	defer queue.Close(ctx)
//	result, err := queue.Enqueue(ctx, commandqueue.SessionLane("main"), func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	}, nil)
package commandqueue
