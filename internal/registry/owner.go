package registry

import "fmt"

// OwnerState tags the write-ownership of an upload.
type OwnerState int

const (
	// Unclaimed means nobody holds the upload yet.
	Unclaimed OwnerState = iota
	// Claimed means a specific requester holds the upload.
	Claimed
	// ResumableFromCrash marks an upload rebuilt from staging at startup; the next
	// requester adopts it regardless of who started it.
	ResumableFromCrash
)

func (s OwnerState) String() string {
	switch s {
	case Unclaimed:
		return "unclaimed"
	case Claimed:
		return "claimed"
	case ResumableFromCrash:
		return "resumable_from_crash"
	default:
		return fmt.Sprintf("owner_state(%d)", int(s))
	}
}

// Owner is the tagged write-owner variant of an upload.
type Owner struct {
	state OwnerState
	id    string
}

// NoOwner returns the Unclaimed owner.
func NoOwner() Owner { return Owner{state: Unclaimed} }

// ClaimedBy returns an owner held by requester.
func ClaimedBy(requester string) Owner { return Owner{state: Claimed, id: requester} }

// Recovered returns the owner assigned to uploads rebuilt after a restart.
func Recovered() Owner { return Owner{state: ResumableFromCrash} }

// State returns the variant tag.
func (o Owner) State() OwnerState { return o.state }

// ID returns the requester for Claimed owners and "" otherwise.
func (o Owner) ID() string { return o.id }

func (o Owner) String() string {
	if o.state == Claimed {
		return o.id
	}
	return o.state.String()
}

// Outcome is the result of an admission attempt.
type Outcome int

const (
	// Created means no entry existed and a new one was inserted.
	Created Outcome = iota + 1
	// Accepted means the holding owner continued its own upload.
	Accepted
	// Resumed means a recovered entry was adopted by the requester.
	Resumed
	// Conflict means a different owner holds the upload.
	Conflict
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Accepted:
		return "accepted"
	case Resumed:
		return "resumed"
	case Conflict:
		return "conflict"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// admit computes the owner transition for requester. Every ownership rule
// lives here.
func (o Owner) admit(requester string) (Owner, Outcome) {
	switch o.state {
	case Unclaimed:
		return ClaimedBy(requester), Accepted
	case ResumableFromCrash:
		return ClaimedBy(requester), Resumed
	case Claimed:
		if o.id == requester {
			return o, Accepted
		}
		return o, Conflict
	default:
		return o, Conflict
	}
}
