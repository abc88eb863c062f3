package phone_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/phone"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"+8801712345678", "+8801712345678"},
		{"8801712345678", "+8801712345678"},
		{"01712345678", "+8801712345678"},
		{"017-1234-5678", "+8801712345678"},
		{" +880 1712 345678 ", "+8801712345678"},
		{"(880) 1712345678", "+8801712345678"},
		{"01312345678", "+8801312345678"},
		{"01912345678", "+8801912345678"},
	}
	for _, tc := range cases {
		got, err := phone.Normalize(tc.in)
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, got, "input %q", tc.in)
	}
}

func TestNormalizeRejectsInvalid(t *testing.T) {
	for _, in := range []string{
		"",
		"hello",
		"0171234567",      // too short
		"017123456789",    // too long
		"01212345678",     // 012 is not a mobile prefix
		"+8802712345678",  // landline-style prefix
		"+12025550123",    // wrong country
		"8801712345678x9", // trailing garbage
	} {
		_, err := phone.Normalize(in)
		assert.ErrorIs(t, err, phone.ErrInvalidNumber, "input %q", in)
	}
}

func TestIsValid(t *testing.T) {
	assert.True(t, phone.IsValid("01712345678"))
	assert.False(t, phone.IsValid("12345"))
}
