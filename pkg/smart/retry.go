package smart

import "fmt"

// RetryClass tells a client whether a failed call may be replayed.
// It is metadata only; the server never enforces it.
type RetryClass int

const (
	// RetryRead has no side effect and is always safe to retry.
	RetryRead RetryClass = iota

	// RetryIdem may be repeated with an identical effect.
	RetryIdem

	// RetrySemi is not idempotent but safe to retry because a failure is
	// externally observable, e.g. lock acquisition.
	RetrySemi

	// RetrySemiVFS is RetrySemi for filesystem-level verbs.
	RetrySemiVFS

	// RetryStream carries a body that cannot be replayed once partially
	// consumed; the client must reconnect rather than assume partial
	// application.
	RetryStream

	// RetryMutate is strictly non-idempotent; a replay changes its meaning.
	RetryMutate
)

var retryNames = [...]string{
	RetryRead:    "read",
	RetryIdem:    "idem",
	RetrySemi:    "semi",
	RetrySemiVFS: "semivfs",
	RetryStream:  "stream",
	RetryMutate:  "mutate",
}

func (c RetryClass) String() string {
	if c < 0 || int(c) >= len(retryNames) {
		return fmt.Sprintf("RetryClass(%d)", int(c))
	}
	return retryNames[c]
}

// ParseRetryClass parses the wire name of a retry class.
func ParseRetryClass(s string) (RetryClass, error) {
	for i, name := range retryNames {
		if name == s {
			return RetryClass(i), nil
		}
	}
	return 0, fmt.Errorf("unknown retry class %q", s)
}
