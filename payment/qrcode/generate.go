package qrcode

import (
	"encoding/base64"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

const size = 256

// PaymentURI is the EIP-681 style link wallets open for a token transfer to address.
func PaymentURI(token, address string, chainID int64) string {
	return fmt.Sprintf("ethereum:%s@%d/transfer?address=%s", token, chainID, address)
}

// GenerateBase64 renders content as a PNG QR code with the highest error correction and
// returns it base64 encoded, ready to embed in a data URI.
func GenerateBase64(content string) (string, error) {
	png, err := qrcode.Encode(content, qrcode.Highest, size)
	if err != nil {
		return "", fmt.Errorf("encode qr code: %w", err)
	}
	return base64.StdEncoding.EncodeToString(png), nil
}
