// Package orchestrator owns live conversation sessions and runs the decision
// loop for every inbound message.
//
// For each message the orchestrator asks the decision engine for the next
// step, dispatches requested tool calls over the shared tool channel and
// feeds their results back until the engine produces a final answer or the
// iteration bound is hit.
//
// Guarantees:
// - At most one loop runs per session; later messages wait in a FIFO lane.
// - A session never has more than MaxPendingCalls tool calls in flight.
// - Tool failures are recorded in history and never end a session. Only an
//   unreachable decision engine is fatal.
// - Closing a session cancels its work without waiting for it.
//
// Usage:
//
//	orch, err := orchestrator.New(adapter, channel, orchestrator.DefaultConfig())
//	sess, _ := orch.Open(ctx, transport)
//	turns, _ := orch.HandleInbound(ctx, sess.ID, "what's the weather in Oslo?")
//	for turn := range turns {
//		// forward to the caller
//	}
package orchestrator
