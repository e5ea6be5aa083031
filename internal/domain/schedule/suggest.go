// Package schedule infers dosing times of day from free-text instructions.
//
// The matcher is a fixed, ordered priority list of keyword groups, not a
// scored classifier: rules are evaluated top to bottom and the first match
// wins. All times are expressed as HH:MM and treated as UTC at this stage;
// localization happens in the timezone resolver.
package schedule

import "strings"

// Suggestion is a transient value: the ordered times of day plus a short
// rationale label. It is never persisted on its own.
type Suggestion struct {
	Times     []string
	Rationale string
}

// Rationale labels, drawn from a fixed taxonomy.
const (
	RationaleWithMeals      = "with meals"
	RationaleEveningBedtime = "evening/bedtime"
	RationaleMorning        = "morning"
	RationaleFourTimesDaily = "four times daily"
	RationaleThreeTimes     = "three times daily"
	RationaleTwiceDaily     = "twice daily"
	RationaleOnceDaily      = "once daily"
	RationaleDefault        = "default once daily"
)

// rule is one entry of the priority list.
type rule struct {
	keywords  []string
	times     []string
	rationale string
}

var rules = []rule{
	{[]string{"with meals", "with food"}, []string{"08:00", "13:00", "19:00"}, RationaleWithMeals},
	{[]string{"bedtime", "evening"}, []string{"22:00"}, RationaleEveningBedtime},
	{[]string{"morning"}, []string{"08:00"}, RationaleMorning},
	{[]string{"four times", "qid", "q.i.d"}, []string{"08:00", "12:00", "16:00", "20:00"}, RationaleFourTimesDaily},
	{[]string{"three times", "tid", "t.i.d"}, []string{"08:00", "14:00", "20:00"}, RationaleThreeTimes},
	{[]string{"twice", "bid", "b.i.d", "two times"}, []string{"08:00", "20:00"}, RationaleTwiceDaily},
	{[]string{"once", "qd", "q.d", "daily", "every day"}, []string{"08:00"}, RationaleOnceDaily},
}

// Suggest maps free-text dosing instructions to suggested times of day.
// It is total: any input, including the empty string, yields a non-empty
// time sequence and a rationale.
func Suggest(text string) Suggestion {
	s := strings.ToLower(text)
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(s, kw) {
				return Suggestion{Times: append([]string(nil), r.times...), Rationale: r.rationale}
			}
		}
	}
	return Suggestion{Times: []string{"08:00"}, Rationale: RationaleDefault}
}

// ParseUserTimes parses user-supplied times like "08:00, 20:00". Entries are
// split on commas and semicolons; each must be a well-formed 24-hour HH:MM.
// Malformed entries are dropped. Returns nil when nothing usable remains,
// which distinguishes "no usable times supplied" from a valid result.
func ParseUserTimes(text string) []string {
	var out []string
	for _, raw := range strings.Split(strings.ReplaceAll(text, ";", ","), ",") {
		t := strings.TrimSpace(raw)
		if hhmm, ok := parseHHMM(t); ok {
			out = append(out, hhmm)
		}
	}
	return out
}

func parseHHMM(t string) (string, bool) {
	if len(t) != 5 || t[2] != ':' {
		return "", false
	}
	hh, ok1 := parseDigits(t[:2])
	mm, ok2 := parseDigits(t[3:])
	if !ok1 || !ok2 || hh > 23 || mm > 59 {
		return "", false
	}
	return t, true
}

func parseDigits(s string) (int, bool) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}
