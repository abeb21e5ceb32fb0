// Package access maps redeemable codes and subscription levels to unlocked-content rights.
package access

import (
	"errors"
	"strings"
	"sync"
)

// RedemptionResult is the outcome of redeeming a code.
type RedemptionResult string

const (
	SuccessBasic      RedemptionResult = "successBasic"      // class code
	SuccessPremium    RedemptionResult = "successPremium"    // premium code
	SuccessFriend     RedemptionResult = "successFriend"     // friend referral code
	SuccessIndividual RedemptionResult = "successIndividual" // individual purchase code
	Invalid           RedemptionResult = "invalid"
	AlreadyUsed       RedemptionResult = "alreadyUsed"
)

// Success reports whether r grants a tier.
func (r RedemptionResult) Success() bool {
	switch r {
	case SuccessBasic, SuccessPremium, SuccessFriend, SuccessIndividual:
		return true
	}
	return false
}

// Redemption errors returned alongside Invalid and AlreadyUsed.
var (
	ErrInvalidCode = errors.New("invalid access code")
	ErrAlreadyUsed = errors.New("access code already used")
)

// CodeLength is the exact length of every redeemable code.
const CodeLength = 6

var prefixes = map[byte]RedemptionResult{
	'C': SuccessBasic,
	'P': SuccessPremium,
	'F': SuccessFriend,
	'I': SuccessIndividual,
}

// Normalize upper-cases and trims a code as typed by the user.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Classify maps a normalized code to its tier, or Invalid.
// A valid code is a known prefix letter followed by CodeLength-1 ASCII digits.
func Classify(code string) RedemptionResult {
	if len(code) != CodeLength {
		return Invalid
	}
	tier, ok := prefixes[code[0]]
	if !ok {
		return Invalid
	}
	for i := 1; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return Invalid
		}
	}
	return tier
}

// UsedCodes is the set of codes that have already been redeemed.
type UsedCodes interface {
	Contains(code string) bool
	// InsertIfAbsent adds code atomically and reports whether it was absent.
	InsertIfAbsent(code string) bool
}

// Redeem normalizes code, rejects it if used, classifies it and on success marks it used.
// Inserting into used is the only mutation; applying the granted tier is the caller's job.
// Concurrent redemptions of one code against the same set have exactly one winner.
func Redeem(code string, used UsedCodes) (RedemptionResult, error) {
	code = Normalize(code)
	if used.Contains(code) {
		return AlreadyUsed, ErrAlreadyUsed
	}
	result := Classify(code)
	if result == Invalid {
		return Invalid, ErrInvalidCode
	}
	if !used.InsertIfAbsent(code) {
		return AlreadyUsed, ErrAlreadyUsed
	}
	return result, nil
}

// MemoryCodeSet is an in-memory UsedCodes, safe for concurrent use.
type MemoryCodeSet struct {
	mu    sync.Mutex
	codes map[string]struct{}
}

// NewMemoryCodeSet returns a set seeded with codes.
func NewMemoryCodeSet(codes ...string) *MemoryCodeSet {
	s := &MemoryCodeSet{codes: make(map[string]struct{}, len(codes))}
	for _, c := range codes {
		s.codes[Normalize(c)] = struct{}{}
	}
	return s
}

func (s *MemoryCodeSet) Contains(code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.codes[code]
	return ok
}

func (s *MemoryCodeSet) InsertIfAbsent(code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.codes[code]; ok {
		return false
	}
	s.codes[code] = struct{}{}
	return true
}

// Len returns the number of used codes.
func (s *MemoryCodeSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.codes)
}

// FriendCodeQuota is how many friend codes a learner at level may hand out.
// It doubles per level from 1 at level 1 and stops at 16 from level 5 on.
func FriendCodeQuota(level int) int {
	switch {
	case level <= 1:
		return 1
	case level == 2:
		return 2
	case level == 3:
		return 4
	case level == 4:
		return 8
	default:
		return 16
	}
}
