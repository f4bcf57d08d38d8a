package booking

import (
	"strconv"
	"strings"
)

// Status is the canonical lifecycle state shared by every service.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusFinished  Status = "finished"
	StatusCancelled Status = "cancelled"
)

// transitions lists the forward moves allowed out of each non-terminal state.
var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusRejected},
	StatusApproved: {StatusFinished, StatusCancelled},
}

// ParseStatus accepts a canonical status name.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusApproved, StatusRejected, StatusFinished, StatusCancelled:
		return st, nil
	}
	return "", Validationf("unknown status %q", s)
}

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	_, ok := transitions[s]
	return !ok
}

// Occupying reports whether a booking in this status holds its slot.
func (s Status) Occupying() bool { return s == StatusApproved }

// Active reports whether a booking in this status counts against a pool.
func (s Status) Active() bool { return s == StatusPending || s == StatusApproved }

// CanTransition reports whether from -> to is a permitted forward move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a ConflictError when from -> to is not permitted.
func CheckTransition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	if from.IsTerminal() {
		return Conflictf(ReasonInvalidTransition, "booking is %s and can no longer change", from)
	}
	return Conflictf(ReasonInvalidTransition, "cannot move booking from %s to %s", from, to)
}

// StatusAdapter translates between a service's legacy status vocabulary and
// the canonical Status.
type StatusAdapter interface {
	Encode(Status) string
	Decode(string) (Status, error)
}

// labelAdapter is used by the clinic, which stores free-text labels.
type labelAdapter struct {
	labels map[Status]string
}

func (a labelAdapter) Encode(s Status) string { return a.labels[s] }

func (a labelAdapter) Decode(raw string) (Status, error) {
	for st, label := range a.labels {
		if strings.EqualFold(label, strings.TrimSpace(raw)) {
			return st, nil
		}
	}
	return ParseStatus(raw)
}

// codeAdapter is used by services that store small integer status ids.
type codeAdapter struct{}

var statusCodes = []Status{StatusPending, StatusApproved, StatusRejected, StatusFinished, StatusCancelled}

func (codeAdapter) Encode(s Status) string {
	for i, st := range statusCodes {
		if st == s {
			return strconv.Itoa(i)
		}
	}
	return ""
}

func (codeAdapter) Decode(raw string) (Status, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return ParseStatus(raw)
	}
	if n < 0 || n >= len(statusCodes) {
		return "", Validationf("unknown status code %d", n)
	}
	return statusCodes[n], nil
}

var clinicAdapter = labelAdapter{labels: map[Status]string{
	StatusPending:   "Pending",
	StatusApproved:  "Booked",
	StatusRejected:  "Rejected",
	StatusFinished:  "Finished",
	StatusCancelled: "Cancelled",
}}

// AdapterFor returns the status adapter used at the boundary of a service.
func AdapterFor(st ServiceType) StatusAdapter {
	if st == ServiceClinic {
		return clinicAdapter
	}
	return codeAdapter{}
}
