// Package identity validates user-supplied nicknames.
package identity

import (
	"strings"

	"ephemera/server/internal/config"
	"ephemera/server/internal/fault"
)

// ErrInvalidNick is returned when a nickname is shorter than
// config.MinNickLength after normalization.
var ErrInvalidNick = fault.Validation("invalid nickname (at least 2 characters)")

// Normalize trims the nickname, collapses internal whitespace runs to a
// single space and truncates it to config.MaxNickLength runes. Overlong
// names are truncated, never rejected.
func Normalize(raw string) (string, error) {
	nick := strings.Join(strings.Fields(raw), " ")
	runes := []rune(nick)
	if len(runes) < config.MinNickLength {
		return "", ErrInvalidNick
	}
	if len(runes) > config.MaxNickLength {
		nick = strings.TrimRight(string(runes[:config.MaxNickLength]), " ")
	}
	return nick, nil
}
