package grouprequest

import "github.com/ryandielhenn/vsgroup/pkg/group"

// Policy is a completion policy for a Request (spec.md §4.4).
type Policy int

const (
	// PolicyNone completes immediately after the request is sent.
	PolicyNone Policy = iota
	// PolicyFirst completes on the first response, or once every
	// recipient is suspected.
	PolicyFirst
	// PolicyAll completes once every recipient has either responded or
	// been suspected.
	PolicyAll
	// PolicyMajority completes once received+suspected reaches a strict
	// majority of recipients.
	PolicyMajority
	// PolicyAbsMajority completes once received (alone, not counting
	// suspicions) reaches a strict majority of recipients.
	PolicyAbsMajority
	// PolicyN completes once Config.Expected responses are in, or once
	// that target becomes unreachable. Per spec.md §9's resolution of the
	// GET_N self-recursion question, Expected >= total is treated as
	// PolicyAll rather than as the (buggy) source behavior.
	PolicyN
)

func (p Policy) String() string {
	switch p {
	case PolicyNone:
		return "NONE"
	case PolicyFirst:
		return "FIRST"
	case PolicyAll:
		return "ALL"
	case PolicyMajority:
		return "MAJORITY"
	case PolicyAbsMajority:
		return "ABS_MAJORITY"
	case PolicyN:
		return "N"
	default:
		return "UNKNOWN"
	}
}

// Predicate, when set on a Config, overrides the numeric Policy entirely:
// NeedMoreResponses is consulted on every mutation of the response table
// and the request completes exactly when it returns false.
type Predicate interface {
	NeedMoreResponses(responses map[group.Address]group.Response) bool
}

// Config configures a Request's completion behavior and suspect-history
// bound.
type Config struct {
	Policy Policy

	// Expected is consulted only when Policy == PolicyN.
	Expected int

	// Predicate, if non-nil, overrides Policy.
	Predicate Predicate

	// MaxSuspectHistory bounds the FIFO-evicted suspicion log kept for
	// diagnostics (spec.md §4.4: "bounded (default 40)"). 0 uses the
	// default.
	MaxSuspectHistory int
}

// DefaultMaxSuspectHistory is spec.md §4.4's default bound.
const DefaultMaxSuspectHistory = 40
