package action

import "fmt"

// AutoApprove is an action's vote on whether its task may skip human approval.
type AutoApprove uint8

const (
	// Undecided is the zero value: the action does not vote.
	Undecided AutoApprove = iota
	Approved
	Rejected
	maxAutoApprove
)

func (a AutoApprove) Valid() bool {
	return a < maxAutoApprove
}

func (a AutoApprove) String() string {
	switch a {
	case Undecided:
		return "undecided"
	case Approved:
		return "approved"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("unknown auto approve: %d", a)
	}
}

// MarshalText converts a into its string name.
func (a AutoApprove) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("invalid auto approve: %d", a)
	}
	return []byte(a.String()), nil
}

// UnmarshalText loads a from its string name.
// An empty string is treated as Undecided.
func (a *AutoApprove) UnmarshalText(text []byte) error {
	switch string(text) {
	case "undecided", "":
		*a = Undecided
	case "approved":
		*a = Approved
	case "rejected":
		*a = Rejected
	default:
		return fmt.Errorf("invalid auto approve: %q", text)
	}
	return nil
}

// Combine merges the votes of a task's actions.
// Any Rejected vote rejects. Otherwise at least one Approved vote is
// needed to approve: Undecided counts as "no", so a task whose actions
// are all Undecided (or a task with no actions) is Rejected.
func Combine(votes ...AutoApprove) AutoApprove {
	approved := false
	for _, v := range votes {
		switch v {
		case Rejected:
			return Rejected
		case Approved:
			approved = true
		}
	}
	if approved {
		return Approved
	}
	return Rejected
}
