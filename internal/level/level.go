// Package level maps experience points to XP tiers and completed-course counts to certification levels.
// Every function is pure and safe to call from any goroutine.
package level

import (
	"fmt"
	"math"
)

// XPLevel is the tier earned from accumulated experience points.
type XPLevel int

const (
	Bronze XPLevel = iota
	Silver
	Gold
	Platinum
	Diamond
)

// xpThresholds[l] is the minimum XP for level l.
var xpThresholds = [...]int{
	Bronze:   0,
	Silver:   1000,
	Gold:     2500,
	Platinum: 5000,
	Diamond:  10000,
}

var xpNames = [...]string{
	Bronze:   "bronze",
	Silver:   "silver",
	Gold:     "gold",
	Platinum: "platinum",
	Diamond:  "diamond",
}

func (l XPLevel) String() string {
	if l < Bronze || l > Diamond {
		return fmt.Sprintf("XPLevel(%d)", int(l))
	}
	return xpNames[l]
}

// MarshalText renders the lowercase level name.
func (l XPLevel) MarshalText() ([]byte, error) {
	if l < Bronze || l > Diamond {
		return nil, fmt.Errorf("invalid xp level %d", int(l))
	}
	return []byte(xpNames[l]), nil
}

// UnmarshalText parses a lowercase level name.
func (l *XPLevel) UnmarshalText(b []byte) error {
	for i, name := range xpNames {
		if name == string(b) {
			*l = XPLevel(i)
			return nil
		}
	}
	return fmt.Errorf("unknown xp level %q", b)
}

// Threshold returns the minimum XP for l.
func (l XPLevel) Threshold() int {
	if l < Bronze {
		return 0
	}
	if l > Diamond {
		l = Diamond
	}
	return xpThresholds[l]
}

// Next returns the level above l. ok is false at Diamond.
func (l XPLevel) Next() (next XPLevel, ok bool) {
	if l >= Diamond {
		return Diamond, false
	}
	return l + 1, true
}

// Number is the 1-based ordinal used by the friend-code quota (bronze = 1).
func (l XPLevel) Number() int {
	return int(l) + 1
}

// XPLevelFor returns the highest level whose threshold is <= xp. Negative xp counts as 0.
func XPLevelFor(xp int) XPLevel {
	if xp < 0 {
		xp = 0
	}
	lvl := Bronze
	for l := Silver; l <= Diamond; l++ {
		if xp >= xpThresholds[l] {
			lvl = l
		}
	}
	return lvl
}

// Progress reports where xp sits between its level and the next.
type Progress struct {
	Current         XPLevel `json:"current"`
	Next            XPLevel `json:"next"`
	CurrentProgress int     `json:"currentProgress"` // xp earned since the current level's threshold
	NeededForNext   int     `json:"neededForNext"`   // width of the current level; 0 at the top level
	Fraction        float64 `json:"fraction"`        // currentProgress/neededForNext in [0,1]; 1 at the top level
	XPToNext        int     `json:"xpToNext"`        // 0 at the top level
	AtMax           bool    `json:"atMax"`
}

// ProgressToNextLevel computes how far xp has advanced from its current tier toward the next one.
func ProgressToNextLevel(xp int) Progress {
	if xp < 0 {
		xp = 0
	}
	cur := XPLevelFor(xp)
	next, ok := cur.Next()
	if !ok {
		return Progress{Current: cur, Next: cur, CurrentProgress: xp - cur.Threshold(), Fraction: 1, AtMax: true}
	}
	lo, hi := cur.Threshold(), next.Threshold()
	frac := float64(xp-lo) / float64(hi-lo)
	return Progress{
		Current:         cur,
		Next:            next,
		CurrentProgress: xp - lo,
		NeededForNext:   hi - lo,
		Fraction:        math.Min(1, math.Max(0, frac)),
		XPToNext:        hi - xp,
	}
}

// CertificationLevel is the credential tier earned from completed courses.
type CertificationLevel int

const (
	None CertificationLevel = iota
	Foundation
	Associate
	Professional
	Certified
)

var certNames = [...]string{
	None:         "none",
	Foundation:   "foundation",
	Associate:    "associate",
	Professional: "professional",
	Certified:    "certified",
}

func (c CertificationLevel) String() string {
	if c < None || c > Certified {
		return fmt.Sprintf("CertificationLevel(%d)", int(c))
	}
	return certNames[c]
}

func (c CertificationLevel) MarshalText() ([]byte, error) {
	if c < None || c > Certified {
		return nil, fmt.Errorf("invalid certification level %d", int(c))
	}
	return []byte(certNames[c]), nil
}

func (c *CertificationLevel) UnmarshalText(b []byte) error {
	for i, name := range certNames {
		if name == string(b) {
			*c = CertificationLevel(i)
			return nil
		}
	}
	return fmt.Errorf("unknown certification level %q", b)
}

// CertificationFor maps a completed-course count to a certification level.
//
//	0 -> none, 1 -> foundation, 2..3 -> associate, 4 -> professional, 5+ -> certified
func CertificationFor(completedCourses int) CertificationLevel {
	switch {
	case completedCourses <= 0:
		return None
	case completedCourses == 1:
		return Foundation
	case completedCourses <= 3:
		return Associate
	case completedCourses == 4:
		return Professional
	default:
		return Certified
	}
}
