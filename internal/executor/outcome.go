// Package executor resolves a queued task definition into an external
// assistant-CLI invocation, enforces its timeout, classifies its
// result, and runs the matching on_success/on_failure handlers.
package executor

// Kind is the closed outcome/error-kind enumeration.
type Kind string

const (
	KindSuccess      Kind = "success"
	KindConfig       Kind = "config"
	KindTimeout      Kind = "timeout"
	KindExit         Kind = "exit"
	KindParse        Kind = "parse"
	KindReported     Kind = "reported"
	KindCancelled    Kind = "cancelled"
	KindCorruptState Kind = "corrupt_state"
	KindLockHeld     Kind = "lock_held"
)

// Retriable reports whether outcome kind k is eligible for retry on
// its own: exit, parse, and timeout failures are; reported failures
// are retriable only if the payload marks them so (see
// Outcome.ReportedRetriable); config/cancelled/corrupt_state/lock_held
// never retry.
func (k Kind) Retriable() bool {
	switch k {
	case KindExit, KindParse, KindTimeout:
		return true
	default:
		return false
	}
}

// Outcome is the result of one Executor.Run call.
type Outcome struct {
	Kind Kind

	// Output is the parsed success payload (success only).
	Output any

	// Message is the human-readable error/result message.
	Message string

	// RawOutput preserves the first 64KiB of stdout when it could not
	// be parsed as JSON.
	RawOutput []byte

	// ReportedRetriable is set when Kind == KindReported and the
	// assistant's own payload marked the error retriable.
	ReportedRetriable bool

	ExitCode int
}

// Retriable reports whether this specific outcome should be retried,
// folding in the payload-level override for KindReported.
func (o Outcome) Retriable() bool {
	if o.Kind == KindReported {
		return o.ReportedRetriable
	}
	return o.Kind.Retriable()
}
