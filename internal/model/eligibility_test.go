package model

import (
	"math"
	"testing"
)

func TestIsVisible(t *testing.T) {
	tests := []struct {
		name    string
		status  Status
		balance float64
		want    bool
	}{
		{"online zero balance", StatusOnline, 0, true},
		{"online with balance", StatusOnline, 12.5, true},
		{"offline with balance", StatusOffline, 0.01, true},
		{"offline zero balance", StatusOffline, 0.00, false},
		{"offline negative balance", StatusOffline, -1, false},
		{"invisible zero balance", StatusInvisible, 0, false},
		{"invisible with balance", StatusInvisible, 100, false},
		{"unknown status", Status("away"), 100, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsVisible(tt.status, tt.balance); got != tt.want {
				t.Errorf("IsVisible(%q, %v) = %v, want %v", tt.status, tt.balance, got, tt.want)
			}
		})
	}
}

func TestIsDecayed(t *testing.T) {
	if !IsDecayed(StatusOffline, 0) {
		t.Error("offline with zero balance should be decayed")
	}
	if IsDecayed(StatusOffline, 0.01) {
		t.Error("offline with balance should not be decayed")
	}
	if IsDecayed(StatusInvisible, 0) {
		t.Error("invisible users are hidden, not decayed")
	}
	if IsDecayed(StatusOnline, 0) {
		t.Error("online users are never decayed")
	}
}

func TestParseStatus(t *testing.T) {
	for _, in := range []string{"online", "OFFLINE", " Invisible "} {
		if _, err := ParseStatus(in); err != nil {
			t.Errorf("ParseStatus(%q) returned error %v", in, err)
		}
	}
	if _, err := ParseStatus("away"); err != ErrInvalidStatus {
		t.Errorf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestValidateCoordinates(t *testing.T) {
	valid := [][2]float64{{0, 0}, {90, 180}, {-90, -180}, {33.89, 35.5}}
	for _, c := range valid {
		if err := ValidateCoordinates(c[0], c[1]); err != nil {
			t.Errorf("ValidateCoordinates(%v, %v) = %v", c[0], c[1], err)
		}
	}

	invalid := [][2]float64{{90.0001, 0}, {-91, 0}, {0, 180.5}, {0, -181}, {math.NaN(), 0}, {0, math.Inf(1)}}
	for _, c := range invalid {
		if err := ValidateCoordinates(c[0], c[1]); err != ErrInvalidCoordinates {
			t.Errorf("ValidateCoordinates(%v, %v) = %v, want ErrInvalidCoordinates", c[0], c[1], err)
		}
	}
}
