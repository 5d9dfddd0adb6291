package session

import (
	"encoding/base64"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// qrImageSize is the pixel size of the rendered pairing image.
const qrImageSize = 256

// encodeQRDataURI renders a pairing payload as a PNG data URI suitable
// for direct display in an <img> tag.
func encodeQRDataURI(payload string) (string, error) {
	png, err := qrcode.Encode(payload, qrcode.Medium, qrImageSize)
	if err != nil {
		return "", fmt.Errorf("encode qr image: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
