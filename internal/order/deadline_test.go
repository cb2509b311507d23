package order

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 12, 23, 18, 0, 0, 0, time.UTC)

func TestRefundDeadline(t *testing.T) {
	p := DefaultDeadlinePolicy()
	tests := []struct {
		name     string
		verified bool
		extended bool
		want     time.Duration
	}{
		{"verified", true, false, 24 * time.Hour},
		{"unverified", false, false, 48 * time.Hour},
		{"verified extended", true, true, 48 * time.Hour},
		{"unverified extended", false, true, 72 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.RefundDeadline(t0, tt.verified, tt.extended)
			if !got.Equal(t0.Add(tt.want)) {
				t.Fatalf("got %v, want %v", got, t0.Add(tt.want))
			}
		})
	}
}

func TestConfirmDeadline(t *testing.T) {
	p := DefaultDeadlinePolicy()
	if got := p.ConfirmDeadline(t0, true); !got.Equal(t0.Add(72 * time.Hour)) {
		t.Fatalf("verified: got %v", got)
	}
	if got := p.ConfirmDeadline(t0, false); !got.Equal(t0.Add(168 * time.Hour)) {
		t.Fatalf("unverified: got %v", got)
	}
}

func TestHolidayClamp(t *testing.T) {
	p := DefaultDeadlinePolicy()
	christmas := Window{
		Start: time.Date(2026, 12, 24, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 12, 26, 0, 0, 0, 0, time.UTC),
	}
	p.Holidays = []Window{christmas}

	// 24h from t0 lands on Dec 24 18:00, inside the window.
	got := p.RefundDeadline(t0, true, false)
	if want := t0.Add(48 * time.Hour); !got.Equal(want) {
		t.Fatalf("inside window: got %v, want %v", got, want)
	}

	// The clamp is applied once even if the pushed deadline is still inside.
	early := christmas.Start.Add(-12 * time.Hour)
	got = p.RefundDeadline(early, true, false)
	if want := early.Add(48 * time.Hour); !got.Equal(want) {
		t.Fatalf("single clamp: got %v, want %v", got, want)
	}

	// End is exclusive.
	atEnd := christmas.End.Add(-24 * time.Hour)
	got = p.RefundDeadline(atEnd, true, false)
	if !got.Equal(christmas.End) {
		t.Fatalf("end exclusive: got %v, want %v", got, christmas.End)
	}

	// Start is inclusive.
	atStart := christmas.Start.Add(-24 * time.Hour)
	got = p.RefundDeadline(atStart, true, false)
	if want := christmas.Start.Add(24 * time.Hour); !got.Equal(want) {
		t.Fatalf("start inclusive: got %v, want %v", got, want)
	}
}

func TestWindowContains(t *testing.T) {
	w := Window{Start: t0, End: t0.Add(time.Hour)}
	if !w.Contains(t0) {
		t.Error("start should be contained")
	}
	if w.Contains(t0.Add(time.Hour)) {
		t.Error("end should not be contained")
	}
	if w.Contains(t0.Add(-time.Nanosecond)) {
		t.Error("before start should not be contained")
	}
}
