package artifactcache

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/meigma/artifactcache/backend"
	"github.com/meigma/artifactcache/key"
)

// ErrUnavailable matches an *UnavailableError: every backend was tried and
// none could serve the key.
var ErrUnavailable = errors.New("artifactcache: artifact unavailable")

// Attempt is one failed backend step for a key.
type Attempt struct {
	Backend string
	Op      string // "exists" or "fetch"
	Err     error
}

// UnavailableError is the terminal failure of a fetch. It is not retried by
// the Client; the caller decides whether to ask again.
type UnavailableError struct {
	Key      key.Key
	Attempts []Attempt
}

func (e *UnavailableError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "artifact %s unavailable", e.Key)
	if len(e.Attempts) == 0 {
		b.WriteString(": no backends configured")
		return b.String()
	}
	for i, a := range e.Attempts {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(a.Err.Error())
	}
	return b.String()
}

// Is reports whether target is ErrUnavailable.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// Unwrap returns every attempt's error.
func (e *UnavailableError) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a.Err
	}
	return errs
}

// Condition is the user-facing class of a failure. Each class calls for a
// different corrective action.
type Condition int

// Conditions, from no failure to the most specific actionable ones.
const (
	ConditionNone Condition = iota
	// ConditionMissing: the artifact does not exist anywhere.
	ConditionMissing
	// ConditionUnreachable: storage could not be reached.
	ConditionUnreachable
	// ConditionSignIn: a credential is missing or was rejected.
	ConditionSignIn
	// ConditionQuota: the store refused a write for lack of space.
	ConditionQuota
	// ConditionCanceled: the caller stopped waiting.
	ConditionCanceled
)

func (c Condition) String() string {
	switch c {
	case ConditionNone:
		return "none"
	case ConditionMissing:
		return "missing"
	case ConditionUnreachable:
		return "unreachable"
	case ConditionSignIn:
		return "sign-in"
	case ConditionQuota:
		return "quota"
	case ConditionCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("Condition(%d)", int(c))
	}
}

// Message is the text shown to a user for c.
func (c Condition) Message() string {
	switch c {
	case ConditionMissing:
		return "The requested results do not exist in any configured storage. Try different inputs."
	case ConditionUnreachable:
		return "Could not reach storage. Check the connection and try again."
	case ConditionSignIn:
		return "Storage rejected the credentials. Sign in again and retry."
	case ConditionQuota:
		return "Storage is full or refused the upload because of a size limit."
	case ConditionCanceled:
		return "The request was canceled before the results arrived."
	default:
		return ""
	}
}

// Describe classifies err. A credential problem at any backend outranks
// everything else because only the user can fix it; a missing artifact is
// reported only when every backend agrees it is missing.
func Describe(err error) Condition {
	if err == nil {
		return ConditionNone
	}
	var ue *UnavailableError
	if errors.As(err, &ue) {
		if len(ue.Attempts) == 0 {
			return ConditionUnreachable
		}
		kinds := make([]error, len(ue.Attempts))
		for i, a := range ue.Attempts {
			kinds[i] = backend.KindOf(a.Err)
		}
		for _, want := range []error{backend.ErrAuth, backend.ErrQuota} {
			for _, k := range kinds {
				if k == want {
					return conditionFor(want)
				}
			}
		}
		for _, k := range kinds {
			if k != backend.ErrNotFound {
				return ConditionUnreachable
			}
		}
		return ConditionMissing
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ConditionCanceled
	}
	return conditionFor(backend.KindOf(err))
}

func conditionFor(kind error) Condition {
	switch kind {
	case backend.ErrAuth:
		return ConditionSignIn
	case backend.ErrQuota:
		return ConditionQuota
	case backend.ErrNotFound:
		return ConditionMissing
	default:
		return ConditionUnreachable
	}
}
