// Package orchestrator implements the two coordinator loops. The Master
// decomposes a user turn into per-domain commands and folds their results into
// a bounded natural-language summary; each SubCoordinator turns one command
// into sequential capability calls, gating risky writes behind a confirmation
// turn and keeping the undo record for its domain.
//
// Neither loop trusts the decision oracle to terminate: both are bounded by an
// iteration count and by the turn deadline, and the session is always written
// back with no command left executing.
package orchestrator
