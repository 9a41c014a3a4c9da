package order

import "time"

// IsActive reports whether o is in effect at asOf. Voided orders and
// discontinuation orders are never active. An explicit stop wins over the
// natural expiry.
func IsActive(o *Order, asOf time.Time) bool {
	if o == nil || o.Voided || o.Action == ActionDiscontinue || o.DateActivated == nil {
		return false
	}
	if asOf.Before(*o.DateActivated) {
		return false
	}
	if o.DateStopped != nil {
		return !asOf.After(*o.DateStopped)
	}
	if o.AutoExpireDate != nil {
		return !asOf.After(*o.AutoExpireDate)
	}
	return true
}

func (o *Order) IsActive(asOf time.Time) bool {
	return IsActive(o, asOf)
}

// IsDiscontinued reports whether the order was explicitly stopped before asOf.
func (o *Order) IsDiscontinued(asOf time.Time) bool {
	return o.DateStopped != nil && asOf.After(*o.DateStopped)
}

// IsExpired reports whether the order ran out naturally before asOf. A stopped
// order is never reported as expired.
func (o *Order) IsExpired(asOf time.Time) bool {
	if o.DateStopped != nil {
		return false
	}
	return o.AutoExpireDate != nil && asOf.After(*o.AutoExpireDate)
}

// EffectiveStartDate is the scheduled date for scheduled orders, otherwise the
// activation date.
func (o *Order) EffectiveStartDate() *time.Time {
	if o.Urgency == UrgencyOnScheduledDate && o.ScheduledDate != nil {
		return o.ScheduledDate
	}
	return o.DateActivated
}

// EffectiveStopDate is the stop date if set, otherwise the natural expiry. Nil
// means open ended.
func (o *Order) EffectiveStopDate() *time.Time {
	if o.DateStopped != nil {
		return o.DateStopped
	}
	return o.AutoExpireDate
}

// IsStarted reports whether the order's effective start has been reached.
func (o *Order) IsStarted(asOf time.Time) bool {
	start := o.EffectiveStartDate()
	return start != nil && !asOf.Before(*start)
}

// windowsOverlap reports whether the two orders' effective windows share any
// instant. Nil ends are open.
func windowsOverlap(a, b *Order) bool {
	aStart, bStart := a.DateActivated, b.DateActivated
	if aStart == nil || bStart == nil {
		return false
	}
	aEnd, bEnd := a.EffectiveStopDate(), b.EffectiveStopDate()
	if aEnd != nil && aEnd.Before(*bStart) {
		return false
	}
	if bEnd != nil && bEnd.Before(*aStart) {
		return false
	}
	return true
}

// endOfDayIfDateOnly rolls a timestamp with no time-of-day component to the last
// millisecond of that calendar day, so "expires on day X" covers all of day X.
func endOfDayIfDateOnly(t time.Time) time.Time {
	if t.Hour() != 0 || t.Minute() != 0 || t.Second() != 0 || t.Nanosecond() != 0 {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, int(999*time.Millisecond), t.Location())
}
