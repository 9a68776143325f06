package address

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValid(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{name: "lower case", input: "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", want: true},
		{name: "checksummed", input: "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", want: true},
		{name: "missing prefix", input: "5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", want: false},
		{name: "too short", input: "0x5aaeb6053f3e94c9b9a09f33669435e7ef1bea", want: false},
		{name: "not hex", input: "0xzaaeb6053f3e94c9b9a09f33669435e7ef1beaed", want: false},
		{name: "empty", input: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Valid(tt.input))
		})
	}
}

func TestNormalize(t *testing.T) {
	t.Run("folds case", func(t *testing.T) {
		assert.Equal(t,
			"0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed",
			Normalize("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"))
	})

	t.Run("is idempotent", func(t *testing.T) {
		once := Normalize("0xABCDEF")
		assert.Equal(t, once, Normalize(once))
	})
}
