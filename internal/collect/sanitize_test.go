package collect

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

var safeLabel = regexp.MustCompile(`^[A-Za-z0-9_]{0,100}$`)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"AlreadyClean", "UOWEXEC", "UOWEXEC"},
		{"Empty", "", ""},
		{"Spaces", "my app", "my_app"},
		{"Punctuation", "db2/prod-01.example.com:50000", "db2_prod_01_example_com_50000"},
		{"Underscore", "_already_fine_", "_already_fine_"},
		{"FullyInvalid", "!!!", "___"},
		{"UnicodeRunes", "café", "caf_"},
		{"Digits", "12345", "12345"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.input))
		})
	}
}

func TestSanitizeTruncates(t *testing.T) {
	long := strings.Repeat("a", 250) + "!" + strings.Repeat("b", 250)
	got := Sanitize(long)
	assert.Len(t, got, 100)
	assert.Equal(t, strings.Repeat("a", 100), got)
}

func TestSanitizeOutputAlwaysSafe(t *testing.T) {
	inputs := []string{
		"", "plain", "with spaces", "newline\nand\ttab", "ünïcödé",
		strings.Repeat("x!", 500), "$1", "-", "null\x00byte",
	}
	for _, in := range inputs {
		got := Sanitize(in)
		assert.Regexp(t, safeLabel, got, "input %q", in)
	}
}

func TestSanitizeIdempotentOnSafeInput(t *testing.T) {
	for _, in := range []string{"abc", "A_B_9", "", strings.Repeat("z", 100)} {
		assert.Equal(t, in, Sanitize(in))
	}
}
