package codes_test

import (
	"strings"
	"testing"

	"castrelay/pkg/codes"

	"github.com/stretchr/testify/assert"
)

func TestGenerate_LengthAndAlphabet(t *testing.T) {
	for i := 0; i < 200; i++ {
		code := codes.Generate()
		assert.Len(t, code, codes.Length)
		for _, r := range code {
			assert.True(t, strings.ContainsRune(codes.Alphabet, r),
				"unexpected rune %q in code %s", r, code)
		}
	}
}

func TestGenerate_SpreadsAcrossCodes(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 500; i++ {
		seen[codes.Generate()] = struct{}{}
	}
	// 500 draws from a 31^6 space should essentially never collide.
	assert.GreaterOrEqual(t, len(seen), 499)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "ABC234", codes.Normalize("  abc234 "))
	assert.Equal(t, "XYZ789", codes.Normalize("xyz789"))
}

func TestValid(t *testing.T) {
	assert.True(t, codes.Valid("ABC234"))

	assert.False(t, codes.Valid(""))
	assert.False(t, codes.Valid("ABC23"))   // too short
	assert.False(t, codes.Valid("ABC2345")) // too long
	assert.False(t, codes.Valid("abc234"))  // not normalized
	assert.False(t, codes.Valid("ABC23O"))  // O excluded from alphabet
	assert.False(t, codes.Valid("ABC231"))  // 1 excluded from alphabet
	assert.False(t, codes.Valid("AB C34"))  // whitespace
	assert.False(t, codes.Valid("../A34"))  // path characters
}
