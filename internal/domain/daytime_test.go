package domain

import (
	"testing"
	"time"
)

func TestParseDayTime(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    DayTime
		wantErr bool
	}{
		{in: "00:00", want: 0},
		{in: "09:05", want: 545},
		{in: "18:00", want: 1080},
		{in: "23:59", want: 1439},
		{in: " 12:30 ", want: 750},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "12", wantErr: true},
		{in: "12:3:4", wantErr: true},
		{in: "ab:cd", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseDayTime(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseDayTime(%q): expected error, got %v", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDayTime(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("ParseDayTime(%q) = %d, want %d", tc.in, got, tc.want)
			}
		})
	}
}

func TestDayTimeString(t *testing.T) {
	t.Parallel()
	if got := DayTime(545).String(); got != "09:05" {
		t.Fatalf("String() = %q, want 09:05", got)
	}
}

func TestDayTimeOn(t *testing.T) {
	t.Parallel()
	day := time.Date(2026, 8, 31, 23, 59, 59, 12345, time.UTC)
	got := DayTime(1080).On(day)
	want := time.Date(2026, 8, 31, 18, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("On() = %v, want %v", got, want)
	}
}

func TestNearestVoteDate(t *testing.T) {
	t.Parallel()

	start := DayTime(1080) // 18:00
	cases := []struct {
		name string
		now  time.Time
		want string
	}{
		{"before start", time.Date(2026, 8, 31, 17, 59, 0, 0, time.UTC), "2026-08-31"},
		{"at start", time.Date(2026, 8, 31, 18, 0, 0, 0, time.UTC), "2026-09-01"},
		{"after start", time.Date(2026, 8, 31, 22, 0, 0, 0, time.UTC), "2026-09-01"},
		{"midnight", time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC), "2026-08-31"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := DateOf(NearestVoteDate(tc.now, start)); got != tc.want {
				t.Fatalf("NearestVoteDate(%v) = %s, want %s", tc.now, got, tc.want)
			}
		})
	}
}

func TestMinuteOf(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 31, 10, 30, 59, 0, time.UTC)
	if got := MinuteOf(now); got != 630 {
		t.Fatalf("MinuteOf = %d, want 630", got)
	}
}
