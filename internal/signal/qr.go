package signal

import (
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// RenderQR renders a framed payload as a QR code PNG for the UI to display.
// Handshake blobs sit comfortably inside QR capacity at medium recovery; the
// library errors out if a blob ever grows past it.
func RenderQR(blob string, size int) ([]byte, error) {
	if size <= 0 {
		size = 512
	}
	png, err := qrcode.Encode(blob, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("signal: qr render: %w", err)
	}
	return png, nil
}

// RenderQRString renders a payload as terminal ASCII art for debugging a
// terminal with no UI shell attached.
func RenderQRString(blob string) (string, error) {
	qr, err := qrcode.New(blob, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("signal: qr render: %w", err)
	}
	return qr.ToSmallString(false), nil
}
