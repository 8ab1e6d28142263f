// Package pix encodes static PIX "copia e cola" payloads (EMV BR Code).
package pix

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

const (
	payloadFormat  = "01"
	gui            = "BR.GOV.BCB.PIX"
	categoryCode   = "0000"
	currencyBRL    = "986"
	countryCode    = "BR"
	txidWildcard   = "***"
	crcFieldPrefix = "6304"

	maxFieldLen = 99
	maxKeyLen   = maxFieldLen - 22 // 26 = 0014BR.GOV.BCB.PIX + 01LL<key>
	maxNameLen  = 25
	maxCityLen  = 15
)

const (
	tagPayloadFormat = "00"
	tagMerchantInfo  = "26"
	tagGUI           = "00"
	tagKey           = "01"
	tagCategory      = "52"
	tagCurrency      = "53"
	tagAmount        = "54"
	tagCountry       = "58"
	tagName          = "59"
	tagCity          = "60"
	tagAdditional    = "62"
	tagTxID          = "05"
)

// ValidationError is returned for inputs rejected before encoding.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("pix: invalid %s: %s", e.Field, e.Reason)
}

// Merchant is the receiving side of a payment.
type Merchant struct {
	Key  string
	Name string
	City string
}

func (m Merchant) Encode(amount decimal.Decimal) (string, error) {
	return Encode(m.Key, m.Name, m.City, amount)
}

// Encode builds the payload for a fixed amount. The output is deterministic
// for equal inputs and always ends with the CRC of everything before it.
func Encode(key, name, city string, amount decimal.Decimal) (string, error) {
	key = normalizeKey(key)
	name = truncate(strings.TrimSpace(name), maxNameLen)
	city = truncate(strings.TrimSpace(city), maxCityLen)

	switch {
	case key == "":
		return "", &ValidationError{Field: "key", Reason: "must not be empty"}
	case len(key) > maxKeyLen:
		return "", &ValidationError{Field: "key", Reason: fmt.Sprintf("longer than %d bytes", maxKeyLen)}
	case name == "":
		return "", &ValidationError{Field: "merchant name", Reason: "must not be empty"}
	case city == "":
		return "", &ValidationError{Field: "merchant city", Reason: "must not be empty"}
	case amount.IsNegative():
		return "", &ValidationError{Field: "amount", Reason: "must not be negative"}
	}

	account, err := field(tagGUI, gui)
	if err != nil {
		return "", err
	}
	keyField, err := field(tagKey, key)
	if err != nil {
		return "", err
	}
	txid, err := field(tagTxID, txidWildcard)
	if err != nil {
		return "", err
	}

	fields := []struct{ tag, value string }{
		{tagPayloadFormat, payloadFormat},
		{tagMerchantInfo, account + keyField},
		{tagCategory, categoryCode},
		{tagCurrency, currencyBRL},
		{tagAmount, amount.StringFixed(2)},
		{tagCountry, countryCode},
		{tagName, name},
		{tagCity, city},
		{tagAdditional, txid},
	}

	var b strings.Builder
	for _, f := range fields {
		s, err := field(f.tag, f.value)
		if err != nil {
			return "", err
		}
		b.WriteString(s)
	}
	b.WriteString(crcFieldPrefix)

	body := b.String()
	return body + checksumHex(body), nil
}

// Verify checks that payload ends with a valid CRC field.
func Verify(payload string) error {
	if len(payload) < len(crcFieldPrefix)+4 {
		return fmt.Errorf("pix: payload too short")
	}
	body, sum := payload[:len(payload)-4], payload[len(payload)-4:]
	if !strings.HasSuffix(body, crcFieldPrefix) {
		return fmt.Errorf("pix: missing crc field")
	}
	if want := checksumHex(body); want != sum {
		return fmt.Errorf("pix: crc mismatch: got %s, want %s", sum, want)
	}
	return nil
}

func field(tag, value string) (string, error) {
	if len(value) > maxFieldLen {
		return "", &ValidationError{Field: "field " + tag, Reason: fmt.Sprintf("value is %d bytes, max %d", len(value), maxFieldLen)}
	}
	return fmt.Sprintf("%s%02d%s", tag, len(value), value), nil
}

// normalizeKey strips an E.164 leading '+'; lengths are always taken from the
// value actually embedded.
func normalizeKey(key string) string {
	key = strings.TrimSpace(key)
	return strings.TrimPrefix(key, "+")
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
