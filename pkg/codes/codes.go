package codes

import (
	"crypto/rand"
	"strings"
)

// Alphabet excludes visually confusable characters (0/O, 1/I/L) so codes
// survive being read aloud or typed from a screen.
const Alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// Length of a session code. Six characters over a 31-character alphabet is a
// usability/security tradeoff, not a hard security boundary.
const Length = 6

// Generate returns a new random session code.
func Generate() string {
	b := make([]byte, Length)
	rand.Read(b)
	for i := range b {
		b[i] = Alphabet[int(b[i])%len(Alphabet)]
	}
	return string(b)
}

// Normalize uppercases and trims a user-supplied code so lookups tolerate
// copy/paste artifacts.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Valid reports whether a normalized code has the expected shape.
func Valid(code string) bool {
	if len(code) != Length {
		return false
	}
	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(Alphabet, rune(code[i])) {
			return false
		}
	}
	return true
}
