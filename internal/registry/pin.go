package registry

import (
	"crypto/rand"
	"errors"
	"strings"
	"unicode"
)

// Alphabet is the 32-symbol rendezvous-code alphabet. I, O, 0, 1 are
// intentionally excluded to avoid visual confusion when typed by hand.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// PinLength is the fixed length of a generated PIN.
const PinLength = 6

// ErrInvalidPin is returned by ValidatePin for anything not exactly
// PinLength code points drawn from Alphabet.
var ErrInvalidPin = errors.New("registry: invalid pin")

// GeneratePin draws PinLength symbols uniformly from Alphabet using
// rejection sampling, so the result carries no modulo bias.
func GeneratePin() (string, error) {
	var b strings.Builder
	b.Grow(PinLength)
	for b.Len() < PinLength {
		sym, err := randomSymbol()
		if err != nil {
			return "", err
		}
		b.WriteByte(sym)
	}
	return b.String(), nil
}

// randomSymbol returns one uniformly distributed byte from Alphabet via
// rejection sampling: a naive `randomByte % len(Alphabet)` would bias
// toward the first (256 mod 32) symbols whenever len(Alphabet) doesn't
// evenly divide 256 — it happens to divide evenly here (32 | 256), but the
// explicit rejection keeps this correct if the alphabet ever changes size.
func randomSymbol() (byte, error) {
	const maxValid = 256 - (256 % len(Alphabet))
	buf := make([]byte, 1)
	for {
		if _, err := rand.Read(buf); err != nil {
			return 0, err
		}
		if int(buf[0]) < maxValid {
			return Alphabet[int(buf[0])%len(Alphabet)], nil
		}
	}
}

// ValidatePin checks client-typed input against the wire format: input is
// trimmed and must then be exactly PinLength code points, all upper-case,
// all within Alphabet, with no whitespace/control/surrogate code points.
// Every symbol in Alphabet is a single, already-composed ASCII code point,
// so trimming is the only normalisation a conforming candidate needs; a
// candidate containing a compatibility-equivalent (e.g. full-width) form of
// an alphabet character is rejected rather than silently folded, since
// normalisation never case-folds or reshapes input — that happens only in
// Canonicalize, for display/comparison, never for validating what a client
// actually sent.
func ValidatePin(input string) (string, error) {
	normalised := strings.TrimSpace(input)
	if len([]rune(normalised)) != PinLength {
		return "", ErrInvalidPin
	}
	for _, r := range normalised {
		if unicode.IsSpace(r) || unicode.IsControl(r) || (r >= 0xD800 && r <= 0xDFFF) {
			return "", ErrInvalidPin
		}
		if !unicode.IsUpper(r) && unicode.IsLetter(r) {
			return "", ErrInvalidPin
		}
		if !strings.ContainsRune(Alphabet, r) {
			return "", ErrInvalidPin
		}
	}
	return normalised, nil
}

// Canonicalize upper-cases and trims a user-typed candidate for display or
// comparison purposes only; it must never be used in place of ValidatePin.
func Canonicalize(input string) string {
	return strings.ToUpper(strings.TrimSpace(input))
}
