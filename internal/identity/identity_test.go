package identity

import (
	"errors"
	"testing"

	"ephemera/server/internal/fault"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"Ana", "Ana"},
		{"  Ana   Maria  ", "Ana Maria"},
		{"a\t\nb", "a b"},
		{"abcdefghijklmnopqrstuvwxyz", "abcdefghijklmnopqr"},
		{"Çãõ ÉÍ", "Çãõ ÉÍ"},
		{"joão da silva sauro", "joão da silva saur"},
		{"ab cd ef gh ij kl m", "ab cd ef gh ij kl"},
	}
	for _, tc := range cases {
		got, err := Normalize(tc.raw)
		if err != nil {
			t.Fatalf("Normalize(%q): unexpected error %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("Normalize(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestNormalizeRejectsShort(t *testing.T) {
	for _, raw := range []string{"", " ", "a", "  a  ", "\t"} {
		_, err := Normalize(raw)
		if !errors.Is(err, ErrInvalidNick) {
			t.Fatalf("Normalize(%q): expected ErrInvalidNick, got %v", raw, err)
		}
		if !errors.Is(err, fault.ErrValidation) {
			t.Fatalf("Normalize(%q): expected validation kind", raw)
		}
	}
}
