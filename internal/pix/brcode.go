// Package pix builds static PIX "copia e cola" payloads (EMV BR Code) and
// their QR images for the manual payment path.
package pix

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	gui = "br.gov.bcb.pix"

	maxName = 25
	maxCity = 15
	maxTxID = 25

	// maxField is the largest value a two-digit EMV length can describe.
	maxField = 99
	maxDesc  = 40
)

var (
	ErrMissingKey = errors.New("pix key is required")
	ErrKeyTooLong = errors.New("pix key does not fit the merchant account field")
)

type Payload struct {
	Key          string
	MerchantName string
	City         string
	Amount       decimal.Decimal
	TxID         string
	Description  string
}

// StaticPayload renders p as a BR Code string ready to be copied or encoded
// as a QR code.
func StaticPayload(p Payload) (string, error) {
	key := strings.TrimSpace(p.Key)
	if key == "" {
		return "", ErrMissingKey
	}

	account := field("00", gui) + field("01", key)
	if len(account) > maxField {
		return "", ErrKeyTooLong
	}
	// The description shares field 26 with the key and is shortened or
	// dropped to keep the field within 99 bytes.
	if room := min(maxField-len(account)-4, maxDesc); room > 0 {
		if d := clean(p.Description, room); d != "" {
			account += field("02", d)
		}
	}

	var b strings.Builder
	b.WriteString(field("00", "01"))
	b.WriteString(field("26", account))
	b.WriteString(field("52", "0000"))
	b.WriteString(field("53", "986"))
	if p.Amount.IsPositive() {
		b.WriteString(field("54", p.Amount.StringFixed(2)))
	}
	b.WriteString(field("58", "BR"))
	b.WriteString(field("59", orDefault(clean(p.MerchantName, maxName), "N")))
	b.WriteString(field("60", orDefault(clean(p.City, maxCity), "SAO PAULO")))
	b.WriteString(field("62", field("05", txid(p.TxID))))
	b.WriteString("6304")

	out := b.String()
	return out + fmt.Sprintf("%04X", CRC16([]byte(out))), nil
}

// QRPNG encodes payload as a PNG of size x size pixels.
func QRPNG(payload string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(payload, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode pix qr: %w", err)
	}
	return png, nil
}

// CRC16 is CRC-16/CCITT-FALSE (poly 0x1021, init 0xFFFF), the checksum the
// BR Code standard requires in field 63.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, c := range data {
		crc ^= uint16(c) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func field(id, value string) string {
	return fmt.Sprintf("%s%02d%s", id, len(value), value)
}

// clean strips accents and anything outside printable ASCII, then cuts to
// max bytes.
func clean(s string, max int) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	out = strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7E {
			return -1
		}
		return r
	}, strings.TrimSpace(out))
	if len(out) > max {
		out = strings.TrimSpace(out[:max])
	}
	return out
}

func txid(s string) string {
	id := strings.Map(func(r rune) rune {
		if r < 0x80 && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return r
		}
		return -1
	}, s)
	if len(id) > maxTxID {
		id = id[:maxTxID]
	}
	if id == "" {
		return "***"
	}
	return id
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Instructions is what a buyer on the manual path needs to pay.
type Instructions struct {
	Provider     string `json:"provider"`
	Method       string `json:"method"`
	PixKey       string `json:"pix_key"`
	Amount       string `json:"amount"`
	PixCopyPaste string `json:"pix_copy_paste"`
	QRCodeURL    string `json:"qr_code_url"`
}
