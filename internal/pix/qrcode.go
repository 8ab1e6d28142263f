package pix

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"
)

const qrSize = 256

// QRCode renders the payload for amount as a PNG image.
func (m Merchant) QRCode(amount decimal.Decimal) ([]byte, error) {
	payload, err := m.Encode(amount)
	if err != nil {
		return nil, err
	}
	png, err := qrcode.Encode(payload, qrcode.Medium, qrSize)
	if err != nil {
		return nil, fmt.Errorf("render qr code: %w", err)
	}
	return png, nil
}
