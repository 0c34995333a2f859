// Package qr renders QR images for short links.
package qr

import (
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

const imageSize = 256

// Encode renders the URL as a PNG QR image.
func Encode(url string) ([]byte, error) {
	png, err := qrcode.Encode(url, qrcode.Medium, imageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to encode qr image: %w", err)
	}
	return png, nil
}
