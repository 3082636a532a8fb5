package profile

import (
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestAge(t *testing.T) {
	dob := date(1995, time.June, 15)
	tests := []struct {
		name string
		now  time.Time
		want int
	}{
		{"day before birthday", date(2025, time.June, 14), 29},
		{"on birthday", date(2025, time.June, 15), 30},
		{"after birthday", date(2025, time.December, 1), 30},
		{"earlier month", date(2025, time.January, 20), 29},
	}

	p := Profile{UserID: "u1", DateOfBirth: &dob}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := p.Age(tt.now)
			if !ok {
				t.Fatal("expected ok=true with a date of birth")
			}
			if got != tt.want {
				t.Errorf("Age() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAge_Unknown(t *testing.T) {
	p := Profile{UserID: "u1"}
	if _, ok := p.Age(time.Now()); ok {
		t.Error("expected ok=false without a date of birth")
	}
}
