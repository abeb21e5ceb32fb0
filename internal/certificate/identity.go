package certificate

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NumberPrefix starts every certificate number.
const NumberPrefix = "SKV"

// NewNumber returns a certificate number of the form SKV-<year>-<10 chars>.
// The suffix is the tail of a ULID, so numbers minted in the same millisecond still differ.
func NewNumber(now time.Time) string {
	id := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	return fmt.Sprintf("%s-%d-%s", NumberPrefix, now.UTC().Year(), id[len(id)-10:])
}

const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// NewVerificationCode returns 12 random Crockford base32 characters grouped as XXXX-XXXX-XXXX.
func NewVerificationCode() (string, error) {
	var raw [12]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generate verification code: %w", err)
	}
	var b strings.Builder
	for i, v := range raw {
		if i > 0 && i%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(crockford[v&31])
	}
	return b.String(), nil
}

// NormalizeVerificationCode canonicalizes a code typed by a person: case, separators and the
// Crockford look-alikes (I and L read as 1, O reads as 0). It returns "" if the result is not 12 symbols.
func NormalizeVerificationCode(code string) string {
	var sym []byte
	for _, r := range strings.ToUpper(code) {
		switch {
		case r == '-' || r == ' ':
			continue
		case r == 'I' || r == 'L':
			r = '1'
		case r == 'O':
			r = '0'
		}
		if !strings.ContainsRune(crockford, r) {
			return ""
		}
		sym = append(sym, byte(r))
	}
	if len(sym) != 12 {
		return ""
	}
	return string(sym[0:4]) + "-" + string(sym[4:8]) + "-" + string(sym[8:12])
}
