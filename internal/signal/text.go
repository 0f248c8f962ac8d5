package signal

import (
	"fmt"
	"strings"

	"github.com/kasipos/kasipos/internal/codec"
)

// ExportText wraps a framed blob in a short human-readable message the
// operator can paste into any chat. Only the framed substring matters to the
// importer; the surrounding words are for the humans relaying it.
func ExportText(blob, label string) string {
	return fmt.Sprintf("KasiPOS %s: paste this whole message into your other terminal.\n\n%s", label, blob)
}

// ImportText extracts the framed payload out of pasted text. It tolerates
// the surrounding chat message, quoting and whitespace, and returns the bare
// blob ready for codec.Decode.
func ImportText(text string) (string, error) {
	idx := strings.Index(text, codec.Prefix)
	if idx < 0 {
		return "", fmt.Errorf("%w: no payload found in pasted text", codec.ErrDecode)
	}

	rest := text[idx:]
	end := strings.IndexFunc(rest, func(r rune) bool {
		// Blob alphabet is base64url plus the prefix dot
		return !(r == '.' || r == '-' || r == '_' ||
			(r >= '0' && r <= '9') || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z'))
	})
	if end < 0 {
		end = len(rest)
	}

	blob := rest[:end]
	if len(blob) <= len(codec.Prefix) {
		return "", fmt.Errorf("%w: truncated payload in pasted text", codec.ErrDecode)
	}
	return blob, nil
}
