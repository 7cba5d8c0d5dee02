// Package pipeline runs the staged thinking pipeline.
//
// A run takes the active conversation, windows its transcript, and calls the
// stage backend once per stage in document order. Each call sees the stage's
// own prompt plus everything earlier stages produced, so later stages can
// build on earlier analysis:
//
//	Ground Truth -> Reality Check -> Strategy -> ...
//
// # Output
//
// Every stage that returns content contributes one block to the accumulated
// thinking:
//
//	<think>
//	[Ground Truth]
//	Alice asked where the map is hidden.
//	</think>
//
// Blocks are separated by a blank line. A stage that fails (transport error,
// empty reply, timeout, panic) contributes nothing and the run moves on to
// the next stage.
//
// # Concurrency
//
// At most one run is in flight per Executor. A second Run while one is active
// returns ErrAlreadyRunning immediately rather than queueing.
package pipeline
