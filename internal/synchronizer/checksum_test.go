package synchronizer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSHA1(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{input: "", expected: "da39a3ee5e6b4b0d3255bfef95601890afd80709"},
		{input: "Mr. Babar", expected: "23e8d9f054a8260df42adcf542085b8ac09d05e"},
		{input: "Mr. Babar 614", expected: "a55ecfd9b8ecc0a8985544206fad1105366f91"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			require.Equal(t, tt.expected, SHA1([]byte(tt.input)))
		})
	}
}
