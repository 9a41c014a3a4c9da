package order

import (
	"testing"
	"time"
)

var day0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func at(hours int) time.Time {
	return day0.Add(time.Duration(hours) * time.Hour)
}

func TestIsActive(t *testing.T) {
	tests := []struct {
		name  string
		order *Order
		asOf  time.Time
		want  bool
	}{
		{"nil order", nil, at(0), false},
		{"before activation", &Order{Action: ActionNew, DateActivated: timePtr(at(1))}, at(0), false},
		{"at activation", &Order{Action: ActionNew, DateActivated: timePtr(at(1))}, at(1), true},
		{"open ended", &Order{Action: ActionNew, DateActivated: timePtr(at(0))}, at(10000), true},
		{"at stop date", &Order{Action: ActionNew, DateActivated: timePtr(at(0)), DateStopped: timePtr(at(5))}, at(5), true},
		{"after stop date", &Order{Action: ActionNew, DateActivated: timePtr(at(0)), DateStopped: timePtr(at(5))}, at(6), false},
		{"at auto expire", &Order{Action: ActionNew, DateActivated: timePtr(at(0)), AutoExpireDate: timePtr(at(5))}, at(5), true},
		{"after auto expire", &Order{Action: ActionNew, DateActivated: timePtr(at(0)), AutoExpireDate: timePtr(at(5))}, at(6), false},
		{
			"stop wins over later expiry",
			&Order{Action: ActionNew, DateActivated: timePtr(at(0)), DateStopped: timePtr(at(2)), AutoExpireDate: timePtr(at(10))},
			at(3), false,
		},
		{
			"stop wins over earlier expiry",
			&Order{Action: ActionNew, DateActivated: timePtr(at(0)), DateStopped: timePtr(at(10)), AutoExpireDate: timePtr(at(2))},
			at(3), true,
		},
		{"voided", &Order{Action: ActionNew, DateActivated: timePtr(at(0)), Voided: true}, at(1), false},
		{"discontinuation order", &Order{Action: ActionDiscontinue, DateActivated: timePtr(at(0))}, at(1), false},
		{"revision order", &Order{Action: ActionRevise, DateActivated: timePtr(at(0))}, at(1), true},
		{"never activated", &Order{Action: ActionNew}, at(1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsActive(tt.order, tt.asOf); got != tt.want {
				t.Errorf("IsActive() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsActive_StopAndExpiryRoles(t *testing.T) {
	o := &Order{Action: ActionNew, DateActivated: timePtr(at(0)), AutoExpireDate: timePtr(at(5))}
	if !o.IsExpired(at(6)) {
		t.Error("expected order to be expired after auto expire date")
	}
	if o.IsDiscontinued(at(6)) {
		t.Error("expired order must not be reported as discontinued")
	}

	o.DateStopped = timePtr(at(3))
	if o.IsExpired(at(6)) {
		t.Error("stopped order must not be reported as expired")
	}
	if !o.IsDiscontinued(at(4)) {
		t.Error("expected order to be discontinued after stop date")
	}
	if o.IsDiscontinued(at(3)) {
		t.Error("order is still in effect at its stop instant")
	}
}

func TestEffectiveDates(t *testing.T) {
	o := &Order{Urgency: UrgencyRoutine, DateActivated: timePtr(at(0)), ScheduledDate: timePtr(at(24))}
	if !o.EffectiveStartDate().Equal(at(0)) {
		t.Errorf("routine order starts at activation, got %v", o.EffectiveStartDate())
	}
	o.Urgency = UrgencyOnScheduledDate
	if !o.EffectiveStartDate().Equal(at(24)) {
		t.Errorf("scheduled order starts on scheduled date, got %v", o.EffectiveStartDate())
	}
	if o.IsStarted(at(12)) {
		t.Error("scheduled order should not have started before scheduled date")
	}
	if !o.IsStarted(at(24)) {
		t.Error("scheduled order should have started on scheduled date")
	}

	if o.EffectiveStopDate() != nil {
		t.Error("expected open ended order")
	}
	o.AutoExpireDate = timePtr(at(48))
	if !o.EffectiveStopDate().Equal(at(48)) {
		t.Errorf("expected auto expire as stop, got %v", o.EffectiveStopDate())
	}
	o.DateStopped = timePtr(at(30))
	if !o.EffectiveStopDate().Equal(at(30)) {
		t.Errorf("expected date stopped as stop, got %v", o.EffectiveStopDate())
	}
}

func TestWindowsOverlap(t *testing.T) {
	a := &Order{DateActivated: timePtr(at(0)), AutoExpireDate: timePtr(at(5))}
	tests := []struct {
		name string
		b    *Order
		want bool
	}{
		{"inside", &Order{DateActivated: timePtr(at(1)), AutoExpireDate: timePtr(at(2))}, true},
		{"touching end", &Order{DateActivated: timePtr(at(5))}, true},
		{"after", &Order{DateActivated: timePtr(at(6))}, false},
		{"before", &Order{DateActivated: timePtr(at(-5)), DateStopped: timePtr(at(-1))}, false},
		{"open ended before", &Order{DateActivated: timePtr(at(-5))}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := windowsOverlap(a, tt.b); got != tt.want {
				t.Errorf("windowsOverlap() = %v, want %v", got, tt.want)
			}
			if got := windowsOverlap(tt.b, a); got != tt.want {
				t.Errorf("windowsOverlap() reversed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEndOfDayIfDateOnly(t *testing.T) {
	midnight := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	got := endOfDayIfDateOnly(midnight)
	want := time.Date(2024, 3, 1, 23, 59, 59, int(999*time.Millisecond), time.UTC)
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	withTime := time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)
	if got := endOfDayIfDateOnly(withTime); !got.Equal(withTime) {
		t.Errorf("expected time-of-day to be kept, got %v", got)
	}
}
