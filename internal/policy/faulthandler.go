// Package policy implements the unlock state machine, PIN/wipe-code
// change flows, the storage-version upgrade path, and the fault handler
// that halts the device on any detected tampering or fault-injection
// attempt. It sits directly on internal/norcow, internal/pinlog,
// internal/auth, and internal/session, and is itself the direct
// collaborator of internal/engine's public API.
package policy

import "sync"

// FatalHandler is invoked by the fault handler once it has done everything
// it safely can (wiped storage, bumped the fault counter) and must now
// halt. It never returns in the real device; in this Go port it is
// expected to terminate the process or unwind via panic/os.Exit, matching
// storage.c's __fatal_error semantics. Tests inject a handler that just
// records the call and returns, since nothing downstream of a real halt
// can be meaningfully tested.
type FatalHandler func(reason, msg string)

// FailsCounter is the minimal PIN-fail counter surface the fault handler
// needs: it reuses the PIN fail counter as a fault counter, exactly as
// storage.c's __handle_fault does, so that a device that keeps faulting
// eventually hits PIN_MAX_TRIES and wipes itself even if every individual
// fault is survived.
type FailsCounter interface {
	GetFails() (uint32, error)
	FailsIncrease() error
}

// Wiper is the minimal storage-wipe surface the fault handler needs.
type Wiper interface {
	Wipe() error
}

// FaultHandler implements __handle_fault: re-entrancy guarded, it wipes
// storage immediately if a fault occurs while a previous fault is still
// being handled (itself evidence of an active fault-injection attack),
// otherwise it bumps the PIN/fault counter, verifies the bump actually
// took effect, and always ends by calling Fatal exactly once.
type FaultHandler struct {
	mu         sync.Mutex
	inProgress bool

	Counter FailsCounter
	Wiper   Wiper
	Fatal   FatalHandler
}

// Handle processes one detected fault. msg identifies the specific check
// that failed (e.g. "storage tag check", "loop completion check"); it
// never returns control to the caller in the sense that every code path
// ends in a Fatal call, but the Go signature still returns so the caller
// (for tests, or an embedder that chooses to treat Fatal as a panic) can
// decide how to unwind.
func (h *FaultHandler) Handle(msg string) {
	h.mu.Lock()
	alreadyInProgress := h.inProgress
	h.inProgress = true
	h.mu.Unlock()

	if alreadyInProgress {
		h.safeWipe()
		h.Fatal("Fault detected", msg)
		return
	}

	ctr, err := h.Counter.GetFails()
	if err != nil {
		h.safeWipe()
		h.Fatal("Fault detected", msg)
		return
	}

	if err := h.Counter.FailsIncrease(); err != nil {
		h.safeWipe()
		h.Fatal("Fault detected", msg)
		return
	}

	ctrNew, err := h.Counter.GetFails()
	if err != nil || ctr+1 != ctrNew {
		h.safeWipe()
	}
	h.Fatal("Fault detected", msg)
}

func (h *FaultHandler) safeWipe() {
	if h.Wiper != nil {
		_ = h.Wiper.Wipe()
	}
}

// Func returns a closure suitable for passing as an onFault callback to
// cryptoprim's SecEqual/SecEqual32 or auth.Verify.
func (h *FaultHandler) Func() func(string) {
	return h.Handle
}
