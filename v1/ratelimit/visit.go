package ratelimit

import "time"

// Visit is the window kept for one client.
type Visit struct {
	ClientID string
	LastSeen time.Time
	Count    int
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	// Visit is a copy of the client window after the check. It is zero
	// when the policy is disabled.
	Visit Visit
	// RetryAfter is the time left until the window resets. Only set on denial.
	RetryAfter time.Duration
	// At is the time the decision was taken.
	At time.Time
}
