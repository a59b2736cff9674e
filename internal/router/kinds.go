package router

import (
	"strings"
	"unicode/utf8"

	"ephemera/server/internal/protocol"
)

// validator checks a payload of one kind and returns the content to store.
type validator func(content string, l Limits) (string, error)

func validators() map[protocol.Kind]validator {
	return map[protocol.Kind]validator{
		protocol.KindText:  validateText,
		protocol.KindImage: binaryValidator("image/"),
		protocol.KindAudio: binaryValidator("audio/"),
	}
}

func validateText(content string, l Limits) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmpty
	}
	if utf8.RuneCountInString(content) > l.MaxText {
		return "", ErrTextTooLong
	}
	return content, nil
}

// binaryValidator accepts base64 payloads, optionally as a data URL whose
// media type must start with mediaPrefix.
func binaryValidator(mediaPrefix string) validator {
	return func(content string, l Limits) (string, error) {
		content = strings.TrimSpace(content)
		if content == "" {
			return "", ErrEmpty
		}
		data := content
		if rest, ok := strings.CutPrefix(content, "data:"); ok {
			header, payload, found := strings.Cut(rest, ",")
			if !found || !strings.HasPrefix(header, mediaPrefix) {
				return "", ErrKindMismatch
			}
			data = payload
		}
		if data == "" {
			return "", ErrEmpty
		}
		if DecodedSize(data) > l.MaxBinary {
			return "", ErrPayloadTooLarge
		}
		return content, nil
	}
}

// DecodedSize estimates the byte length of a base64 string without
// decoding it.
func DecodedSize(b64 string) int {
	n := len(b64)
	pad := 0
	for i := n - 1; i >= 0 && pad < 2 && b64[i] == '='; i-- {
		pad++
	}
	return n*3/4 - pad
}
