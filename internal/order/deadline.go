package order

import "time"

// Window is a half-open [Start, End) period, e.g. a public holiday.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// DeadlinePolicy computes refund-response and confirmation deadlines from
// the seller's verification tier.
type DeadlinePolicy struct {
	RefundVerified    time.Duration
	RefundUnverified  time.Duration
	RefundExtension   time.Duration
	ConfirmVerified   time.Duration
	ConfirmUnverified time.Duration
	HolidayExtension  time.Duration
	Holidays          []Window
}

// DefaultDeadlinePolicy returns the standard windows with no holidays.
func DefaultDeadlinePolicy() DeadlinePolicy {
	return DeadlinePolicy{
		RefundVerified:    24 * time.Hour,
		RefundUnverified:  48 * time.Hour,
		RefundExtension:   24 * time.Hour,
		ConfirmVerified:   72 * time.Hour,
		ConfirmUnverified: 168 * time.Hour,
		HolidayExtension:  24 * time.Hour,
	}
}

// RefundDeadline is always measured from the original request time, so an
// extension adds exactly one RefundExtension no matter when it is asked for.
func (p DeadlinePolicy) RefundDeadline(requestedAt time.Time, sellerVerified, extended bool) time.Time {
	d := p.RefundUnverified
	if sellerVerified {
		d = p.RefundVerified
	}
	if extended {
		d += p.RefundExtension
	}
	return p.clamp(requestedAt.Add(d))
}

// ConfirmDeadline is when a transferred order auto-completes.
func (p DeadlinePolicy) ConfirmDeadline(transferredAt time.Time, sellerVerified bool) time.Time {
	d := p.ConfirmUnverified
	if sellerVerified {
		d = p.ConfirmVerified
	}
	return p.clamp(transferredAt.Add(d))
}

// clamp pushes a deadline that lands inside a holiday window out by the
// fixed holiday extension. It is applied once.
func (p DeadlinePolicy) clamp(t time.Time) time.Time {
	for _, w := range p.Holidays {
		if w.Contains(t) {
			return t.Add(p.HolidayExtension)
		}
	}
	return t
}
