package engine

import "errors"

// Engine error kinds. Store-level kinds (insufficient funds, not found,
// not cancellable, invariant violation) come from the database package and
// pass through unwrapped, so callers match everything with errors.Is.
var (
	// ErrValidation marks bad input. Surfaced to the caller, engine state
	// untouched.
	ErrValidation = errors.New("validation error")
	// ErrBusy means the symbol's command queue is full.
	ErrBusy = errors.New("engine busy")
	// ErrTimedOut means a balance-store wait exceeded the per-command timeout.
	ErrTimedOut = errors.New("command timed out")
	// ErrHalted means the symbol's worker stopped after a fatal invariant
	// violation and requires manual intervention.
	ErrHalted = errors.New("symbol engine halted")
	// ErrUnknownSymbol means no worker serves the requested symbol.
	ErrUnknownSymbol = errors.New("no engine for symbol")
)
