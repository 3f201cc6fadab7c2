// Package dispatch delivers agent reply blocks to a channel adapter.
//
// Invariants:
// - Blocks reach the adapter in the order they were enqueued.
// - Sends for one dispatcher are sequential; separate dispatchers run concurrently.
// - A dispatcher is idle only after every enqueued job has been sent or has failed.
// - Tool calls left without a result get a synthetic result that is recorded, not delivered.
//
// Usage:
//
//	d := dispatch.New(ctx, dispatch.Options{Policy: dispatch.PolicyLive, Adapter: adapter, To: chatID})
//	d.Begin(ctx)
//	runner.Run(ctx, inv, d.Enqueue)
//	err := d.MarkDispatchIdle(ctx)
package dispatch
