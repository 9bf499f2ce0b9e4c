package session

// Progress tracks the running estimate of how much derivation work is left
// so callers can render a percent-complete / seconds-remaining indicator,
// mirroring storage.c's ui_total/ui_rem/ui_progress bookkeeping.
type Progress struct {
	TotalMs int
	RemMs   int
	Message string
}

// NewProgress starts a progress tracker budgeted for totalMs of estimated
// work.
func NewProgress(totalMs int, message string) *Progress {
	return &Progress{TotalMs: totalMs, RemMs: totalMs, Message: message}
}

// Extend adds extraMs of estimated work to both the total and remaining
// budgets, used when an upgrade path or a PIN-fail backoff delay is folded
// into an already-running progress estimate.
func (p *Progress) Extend(extraMs int) {
	p.TotalMs += extraMs
	p.RemMs += extraMs
}

// Step advances the tracker by elapsedMs and reports (secondsRemaining,
// permilleComplete), using the same overflow-avoiding division storage.c's
// ui_progress uses once the total exceeds one million milliseconds.
func (p *Progress) Step(elapsedMs int) (secondsRemaining int, permille int) {
	p.RemMs -= elapsedMs
	if p.TotalMs <= 0 {
		return 0, 0
	}
	if p.TotalMs < 1000000 {
		permille = 1000 * (p.TotalMs - p.RemMs) / p.TotalMs
	} else {
		permille = (p.TotalMs - p.RemMs) / (p.TotalMs / 1000)
	}
	secondsRemaining = (p.RemMs + 500) / 1000
	return secondsRemaining, permille
}

// Callback receives (secondsRemaining, permilleComplete, message) and
// returns true to request cancellation, mirroring the injected
// ui_callback's return value.
type Callback func(secondsRemaining int, permille int, message string) (cancel bool)

// Report steps the tracker and, if cb is non-nil, invokes it, returning its
// cancellation request.
func (p *Progress) Report(elapsedMs int, cb Callback) bool {
	secs, permille := p.Step(elapsedMs)
	if cb == nil {
		return false
	}
	return cb(secs, permille, p.Message)
}
