// Package agent drives one task's bounded think/act/validate loop.
//
// Invariants:
// - A session is owned by exactly one worker; it has no internal concurrency.
// - Every tool_result message follows the assistant message that issued its call,
//   including across compaction.
// - The loop terminates within MaxIterations model calls; validation retries are
//   bounded and fall back to auto-fix with a warning, never unbounded recursion.
//
// Usage:
//
//	session := agent.NewSession(agent.SessionConfig{Model: "claude-sonnet-4-0", MaxIterations: 10},
//		provider,
//		agent.WithInvoker(invoker),
//		agent.WithValidator(validator),
//	)
//	outcome, err := session.Run(ctx, instruction)
package agent
