package subscription

import "time"

// UserSubscription is the per-user subscription record. Exactly one record
// exists per user; a fresh purchase overwrites it, resetting every progress
// flag. Records are never deleted: expired subscriptions stay as terminal
// rows for audit.
type UserSubscription struct {
	UserID    int64     `json:"userId"`
	PlanID    string    `json:"planId"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	IsActive  bool      `json:"isActive"`
	PaymentID string    `json:"paymentId,omitempty"`

	// Progress flags. Each is set to true at most once per subscription
	// lifetime, only after the corresponding external action succeeded.
	Reminder3DaysSent       bool `json:"reminder3DaysSent"`
	Reminder12HoursSent     bool `json:"reminder12HoursSent"`
	ExpiryDayNoticeSent     bool `json:"expiryDayNoticeSent"`
	ExpiredMessageSent      bool `json:"expiredMessageSent"`
	RemovedFromPrivateGroup bool `json:"removedFromPrivateGroup"`

	// ExpiredProcessed marks the record terminal: the lifecycle job skips it
	// entirely once set.
	ExpiredProcessed bool `json:"expiredProcessed"`
}

// Remaining returns the time left until the subscription's end date.
func (s *UserSubscription) Remaining(now time.Time) time.Duration {
	return s.EndDate.Sub(now)
}

// EndsOn reports whether the subscription's end date falls on the same
// calendar day as now, in now's location.
func (s *UserSubscription) EndsOn(now time.Time) bool {
	y1, m1, d1 := now.Date()
	y2, m2, d2 := s.EndDate.In(now.Location()).Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

// Patch is a partial update applied to a UserSubscription. Nil fields are
// left untouched.
type Patch struct {
	IsActive                *bool
	PaymentID               *string
	Reminder3DaysSent       *bool
	Reminder12HoursSent     *bool
	ExpiryDayNoticeSent     *bool
	ExpiredMessageSent      *bool
	RemovedFromPrivateGroup *bool
	ExpiredProcessed        *bool
}

// Apply merges the patch onto the record.
func (p Patch) Apply(s *UserSubscription) {
	if p.IsActive != nil {
		s.IsActive = *p.IsActive
	}
	if p.PaymentID != nil {
		s.PaymentID = *p.PaymentID
	}
	if p.Reminder3DaysSent != nil {
		s.Reminder3DaysSent = *p.Reminder3DaysSent
	}
	if p.Reminder12HoursSent != nil {
		s.Reminder12HoursSent = *p.Reminder12HoursSent
	}
	if p.ExpiryDayNoticeSent != nil {
		s.ExpiryDayNoticeSent = *p.ExpiryDayNoticeSent
	}
	if p.ExpiredMessageSent != nil {
		s.ExpiredMessageSent = *p.ExpiredMessageSent
	}
	if p.RemovedFromPrivateGroup != nil {
		s.RemovedFromPrivateGroup = *p.RemovedFromPrivateGroup
	}
	if p.ExpiredProcessed != nil {
		s.ExpiredProcessed = *p.ExpiredProcessed
	}
}

// Bool returns a pointer to b, for building patches.
func Bool(b bool) *bool { return &b }

// String returns a pointer to s, for building patches.
func String(s string) *string { return &s }
