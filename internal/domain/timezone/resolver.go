// Package timezone infers an IANA timezone from coarse signals and converts
// daily wall-clock times between a local zone and UTC.
package timezone

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// phoneZones maps E.164 country prefixes to a primary timezone. Prefixes are
// matched longest first so +852 wins over a hypothetical +8 entry.
var phoneZones = map[string]string{
	"+65":  "Asia/Singapore",
	"+60":  "Asia/Kuala_Lumpur",
	"+62":  "Asia/Jakarta",
	"+63":  "Asia/Manila",
	"+66":  "Asia/Bangkok",
	"+84":  "Asia/Ho_Chi_Minh",
	"+852": "Asia/Hong_Kong",
	"+886": "Asia/Taipei",
	"+81":  "Asia/Tokyo",
	"+82":  "Asia/Seoul",
	"+91":  "Asia/Kolkata",
}

// phonePrefixes holds the table keys sorted by descending length.
var phonePrefixes = func() []string {
	out := make([]string, 0, len(phoneZones))
	for p := range phoneZones {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i] < out[j]
	})
	return out
}()

// box is a coarse bounding box for a supported metro region.
type box struct {
	minLat, maxLat float64
	minLon, maxLon float64
	zone           string
}

var metroBoxes = []box{
	{1.15, 1.50, 103.6, 104.1, "Asia/Singapore"},
	{3.0, 3.5, 101.0, 101.9, "Asia/Kuala_Lumpur"},
	{-6.4, -6.0, 106.6, 107.1, "Asia/Jakarta"},
	{13.5, 13.9, 100.3, 100.7, "Asia/Bangkok"},
	{14.4, 14.8, 120.9, 121.2, "Asia/Manila"},
	{10.6, 10.9, 106.6, 106.9, "Asia/Ho_Chi_Minh"},
}

// FromPhone infers a timezone from an E.164 phone number. Returns the empty
// string when no country prefix matches.
func FromPhone(phone string) string {
	p := strings.ReplaceAll(strings.TrimSpace(phone), " ", "")
	for _, prefix := range phonePrefixes {
		if strings.HasPrefix(p, prefix) {
			return phoneZones[prefix]
		}
	}
	return ""
}

// FromCoords infers a timezone from latitude/longitude using the metro
// bounding boxes. Returns the empty string when the point falls outside all
// supported regions.
func FromCoords(lat, lon float64) string {
	for _, b := range metroBoxes {
		if lat >= b.minLat && lat <= b.maxLat && lon >= b.minLon && lon <= b.maxLon {
			return b.zone
		}
	}
	return ""
}

// LocalToUTC converts HH:MM wall-clock times in the given zone to HH:MM in
// UTC, sampling the offset on today's date. A schedule fixed at a non-DST
// offset drifts by the DST delta after a seasonal transition; this is an
// accepted approximation. Fails soft: on any error the input is returned
// unchanged.
func LocalToUTC(times []string, tz string) []string {
	return convert(times, tz, func(loc *time.Location, hh, mm int, now time.Time) time.Time {
		local := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, loc)
		return local.UTC()
	})
}

// UTCToLocal converts HH:MM UTC times to the given zone for display. Fails
// soft like LocalToUTC.
func UTCToLocal(times []string, tz string) []string {
	return convert(times, tz, func(loc *time.Location, hh, mm int, now time.Time) time.Time {
		utc := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, time.UTC)
		return utc.In(loc)
	})
}

func convert(times []string, tz string, f func(*time.Location, int, int, time.Time) time.Time) []string {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return times
	}

	now := time.Now().UTC()
	out := make([]string, 0, len(times))
	for _, t := range times {
		var hh, mm int
		if _, err := fmt.Sscanf(t, "%02d:%02d", &hh, &mm); err != nil || hh > 23 || mm > 59 {
			return times
		}
		converted := f(loc, hh, mm, now)
		out = append(out, fmt.Sprintf("%02d:%02d", converted.Hour(), converted.Minute()))
	}
	return out
}
