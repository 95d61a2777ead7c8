package scheduling

import (
	"context"
	"testing"
	"time"

	"github.com/clinicsched/clinicsched/pkg/localtime"
)

func TestClinicHours_ValidateWindow(t *testing.T) {
	h := DefaultClinicHours()
	tests := []struct {
		name string
		w    DayWindow
		ok   bool
	}{
		{"full clinic day", window("08:00", "19:00"), true},
		{"morning", window("09:00", "12:00"), true},
		{"empty", window("10:00", "10:00"), false},
		{"reversed", window("12:00", "10:00"), false},
		{"opens early", window("07:59", "12:00"), false},
		{"closes late", window("12:00", "19:01"), false},
		{"closed day", DayWindow{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.ValidateWindow(time.Monday, tt.w)
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && KindOf(err) != KindInvalidWindow {
				t.Errorf("expected invalid window, got %v", err)
			}
		})
	}
	if h.Length() != 11*60 {
		t.Errorf("expected 660 minute clinic day, got %d", h.Length())
	}
}

func TestWithinWindow(t *testing.T) {
	norm := localtime.NewNormalizer(time.UTC)
	w := window("09:00", "17:00")
	at := func(tod string) localtime.Instant {
		i, err := norm.Parse("2025-06-02", tod)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		return i
	}

	tests := []struct {
		name  string
		start localtime.Instant
		mins  int
		want  bool
	}{
		{"at open", at("09:00"), 30, true},
		{"ending at close", at("16:30"), 30, true},
		{"whole window", at("09:00"), 480, true},
		{"before open", at("08:45"), 30, false},
		{"past close", at("16:45"), 30, false},
		{"zero duration", at("10:00"), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WithinWindow(norm, w, tt.start, tt.mins); got != tt.want {
				t.Errorf("WithinWindow = %v, want %v", got, tt.want)
			}
		})
	}

	if WithinWindow(norm, Unavailable, at("10:00"), 30) {
		t.Error("closed window must never fit")
	}
	late := window("22:00", "23:59")
	if WithinWindow(norm, late, at("23:30"), 60) {
		t.Error("slot crossing midnight must not fit")
	}
}

func TestParseWeekday(t *testing.T) {
	tests := map[string]time.Weekday{
		"0": time.Sunday, "6": time.Saturday, "monday": time.Monday,
		"Tue": time.Tuesday, "WEDNESDAY": time.Wednesday,
	}
	for in, want := range tests {
		got, err := ParseWeekday(in)
		if err != nil || got != want {
			t.Errorf("ParseWeekday(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	for _, bad := range []string{"7", "-1", "funday", ""} {
		if _, err := ParseWeekday(bad); KindOf(err) != KindValidation {
			t.Errorf("ParseWeekday(%q): expected validation error, got %v", bad, err)
		}
	}
}

func TestAvailability_IsWithinAvailability(t *testing.T) {
	store := NewMemoryStore()
	norm := localtime.NewNormalizer(time.UTC)
	av := NewAvailability(store, norm, DefaultClinicHours())
	ctx := context.Background()

	if err := av.SetWindow(ctx, "p1", time.Monday, window("09:00", "12:00"), "admin"); err != nil {
		t.Fatalf("set window: %v", err)
	}
	start, _ := norm.Parse("2025-06-02", "11:00")

	ok, wd, w, err := av.IsWithinAvailability(ctx, "p1", start, 60)
	if err != nil || !ok || wd != time.Monday || w != window("09:00", "12:00") {
		t.Errorf("unexpected result %v %v %+v %v", ok, wd, w, err)
	}
	ok, _, _, _ = av.IsWithinAvailability(ctx, "p1", start, 61)
	if ok {
		t.Error("expected slot past the window to be rejected")
	}
	ok, _, _, _ = av.IsWithinAvailability(ctx, "p2", start, 30)
	if ok {
		t.Error("unconfigured provider must be unavailable")
	}
}
