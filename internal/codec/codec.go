// Package codec frames arbitrary JSON payloads into compressed text-safe
// strings that survive both QR scanning and copy-paste through a chat app.
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
)

// Prefix tags every framed blob. A pasted string without it is rejected
// before any decompression is attempted, and the version digit gives us a
// migration path for the wire format.
const Prefix = "KP1."

// ErrDecode is returned for any blob that is not a validly framed payload:
// truncated scans, partial pastes, foreign text, corrupted compression.
var ErrDecode = errors.New("codec: invalid payload")

// maxDecodedSize caps decompression output so a hostile blob cannot balloon
// memory. Handshake envelopes are tiny; relay batches stay well under this.
const maxDecodedSize = 8 << 20 // 8 MB

// Encode serializes v to JSON, DEFLATE-compresses it and returns a printable
// string safe to embed in a QR code or paste into a message.
func Encode(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("codec: marshal: %w", err)
	}

	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return "", fmt.Errorf("codec: compressor: %w", err)
	}
	if _, err := fw.Write(raw); err != nil {
		return "", fmt.Errorf("codec: compress: %w", err)
	}
	if err := fw.Close(); err != nil {
		return "", fmt.Errorf("codec: compress: %w", err)
	}

	return Prefix + base64.RawURLEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode is the inverse of Encode. Any malformed input yields an error
// wrapping ErrDecode; it never panics on arbitrary text.
func Decode(blob string, out interface{}) error {
	blob = strings.TrimSpace(blob)
	if !strings.HasPrefix(blob, Prefix) {
		return fmt.Errorf("%w: missing %q prefix", ErrDecode, Prefix)
	}

	compressed, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(blob, Prefix))
	if err != nil {
		return fmt.Errorf("%w: base64: %v", ErrDecode, err)
	}

	fr := flate.NewReader(bytes.NewReader(compressed))
	defer fr.Close()

	raw, err := io.ReadAll(io.LimitReader(fr, maxDecodedSize+1))
	if err != nil {
		return fmt.Errorf("%w: deflate: %v", ErrDecode, err)
	}
	if len(raw) > maxDecodedSize {
		return fmt.Errorf("%w: payload exceeds %d bytes", ErrDecode, maxDecodedSize)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: json: %v", ErrDecode, err)
	}
	return nil
}

// IsFramed reports whether s looks like a framed payload. The scan loop uses
// it to discard barcodes and foreign QR codes before parsing.
func IsFramed(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), Prefix)
}
