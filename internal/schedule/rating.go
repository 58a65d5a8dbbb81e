package schedule

import "strings"

// Rating is the user's assessment of a practice attempt on the fixed
// four-point ordinal scale.
type Rating int

const (
	Fail Rating = iota + 1 // could not play the tune
	Hard                   // played with significant difficulty
	Good                   // played with some effort
	Easy                   // played effortlessly
)

var ratingNames = [...]string{Fail: "fail", Hard: "hard", Good: "good", Easy: "easy"}

// String returns the canonical lowercase name of the rating. Invalid
// values render as "good", matching the parsing default.
func (r Rating) String() string {
	if r.Valid() {
		return ratingNames[r]
	}
	return "good"
}

// Valid reports whether r is within the four-point scale.
func (r Rating) Valid() bool {
	return r >= Fail && r <= Easy
}

// ParseRating maps free-form rating input onto the four-point scale.
// Unrecognized input deliberately resolves to Good rather than
// erroring, so the staging path is always producible from whatever the
// UI hands us.
func ParseRating(s string) Rating {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fail", "again", "forgot", "0", "1":
		return Fail
	case "hard", "struggled", "2":
		return Hard
	case "good", "ok", "3":
		return Good
	case "easy", "perfect", "4":
		return Easy
	default:
		return Good
	}
}
