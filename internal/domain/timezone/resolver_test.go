package timezone

import (
	"reflect"
	"testing"
)

func TestFromPhone(t *testing.T) {
	tests := []struct {
		phone string
		want  string
	}{
		{"+6591234567", "Asia/Singapore"},
		{"+85291234567", "Asia/Hong_Kong"},
		{"+886912345678", "Asia/Taipei"},
		{"+81 90 1234 5678", "Asia/Tokyo"},
		{"+919812345678", "Asia/Kolkata"},
		{"+14155550100", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := FromPhone(tt.phone); got != tt.want {
			t.Errorf("FromPhone(%q) = %q, want %q", tt.phone, got, tt.want)
		}
	}
}

func TestFromPhoneLongestPrefixWins(t *testing.T) {
	// +852 must match Hong Kong, not any shorter +8x entry.
	if got := FromPhone("+85212345678"); got != "Asia/Hong_Kong" {
		t.Errorf("FromPhone(+852...) = %q, want Asia/Hong_Kong", got)
	}
	if got := FromPhone("+82212345678"); got != "Asia/Seoul" {
		t.Errorf("FromPhone(+822...) = %q, want Asia/Seoul", got)
	}
}

func TestFromCoords(t *testing.T) {
	tests := []struct {
		name     string
		lat, lon float64
		want     string
	}{
		{"singapore", 1.35, 103.82, "Asia/Singapore"},
		{"kuala lumpur", 3.15, 101.7, "Asia/Kuala_Lumpur"},
		{"jakarta", -6.2, 106.85, "Asia/Jakarta"},
		{"bangkok", 13.75, 100.5, "Asia/Bangkok"},
		{"manila", 14.6, 121.0, "Asia/Manila"},
		{"ho chi minh", 10.78, 106.7, "Asia/Ho_Chi_Minh"},
		{"middle of pacific", 0.0, -150.0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FromCoords(tt.lat, tt.lon); got != tt.want {
				t.Errorf("FromCoords(%v, %v) = %q, want %q", tt.lat, tt.lon, got, tt.want)
			}
		})
	}
}

func TestLocalToUTCSingapore(t *testing.T) {
	// Singapore is UTC+8 with no DST, so the conversion is date-independent.
	got := LocalToUTC([]string{"08:00"}, "Asia/Singapore")
	if !reflect.DeepEqual(got, []string{"00:00"}) {
		t.Errorf("LocalToUTC([08:00], Asia/Singapore) = %v, want [00:00]", got)
	}

	got = LocalToUTC([]string{"08:00", "20:00"}, "Asia/Singapore")
	if !reflect.DeepEqual(got, []string{"00:00", "12:00"}) {
		t.Errorf("LocalToUTC([08:00 20:00], Asia/Singapore) = %v, want [00:00 12:00]", got)
	}
}

func TestUTCToLocalRoundTrip(t *testing.T) {
	utc := LocalToUTC([]string{"09:30", "21:15"}, "Asia/Singapore")
	back := UTCToLocal(utc, "Asia/Singapore")
	if !reflect.DeepEqual(back, []string{"09:30", "21:15"}) {
		t.Errorf("round trip = %v, want [09:30 21:15]", back)
	}
}

func TestLocalToUTCFailsSoft(t *testing.T) {
	in := []string{"08:00", "20:00"}

	if got := LocalToUTC(in, "Not/AZone"); !reflect.DeepEqual(got, in) {
		t.Errorf("unknown zone: got %v, want input unchanged", got)
	}
	if got := LocalToUTC([]string{"08:00", "nope"}, "Asia/Singapore"); !reflect.DeepEqual(got, []string{"08:00", "nope"}) {
		t.Errorf("malformed time: got %v, want input unchanged", got)
	}
}
