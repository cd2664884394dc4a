package payment

import (
	"bytes"
	"crypto/sha512"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/adpay-gateway/internal/common"
)

const ipnSignatureField = "ipn_signature"

var errIPNNotObject = errors.New("ipn payload is not a JSON object")

// decodeIPN parses an IPN body keeping numbers verbatim.
func decodeIPN(payload []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, err
	}
	if data == nil {
		return nil, errIPNNotObject
	}
	return data, nil
}

// CanonicalIPN renders data without the signature field as compact JSON with
// keys sorted at every level, non-ASCII characters escaped as \uXXXX and
// numbers written exactly as received.
func CanonicalIPN(data map[string]any) string {
	var buf bytes.Buffer
	writeCanonical(&buf, data, true)
	return buf.String()
}

// SignIPN computes the hex HMAC-SHA512 of the canonical form of payload.
func SignIPN(secret string, payload []byte) (string, error) {
	data, err := decodeIPN(payload)
	if err != nil {
		return "", err
	}
	return signCanonical(secret, data), nil
}

func signCanonical(secret string, data map[string]any) string {
	return common.HMACHex(sha512.New, []byte(secret), []byte(CanonicalIPN(data)))
}

func writeCanonical(buf *bytes.Buffer, v any, top bool) {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case json.Number:
		buf.WriteString(val.String())
	case float64:
		buf.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
	case string:
		writeASCIIString(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonical(buf, item, false)
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			if top && k == ipnSignatureField {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeASCIIString(buf, k)
			buf.WriteByte(':')
			writeCanonical(buf, val[k], false)
		}
		buf.WriteByte('}')
	default:
		writeASCIIString(buf, fmt.Sprint(val))
	}
}

// writeASCIIString quotes s escaping everything outside printable ASCII.
// Characters beyond the BMP are written as UTF-16 surrogate pairs.
func writeASCIIString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch {
		case r == '"':
			buf.WriteString(`\"`)
		case r == '\\':
			buf.WriteString(`\\`)
		case r == '\n':
			buf.WriteString(`\n`)
		case r == '\r':
			buf.WriteString(`\r`)
		case r == '\t':
			buf.WriteString(`\t`)
		case r == '\b':
			buf.WriteString(`\b`)
		case r == '\f':
			buf.WriteString(`\f`)
		case r >= 0x20 && r <= 0x7e:
			buf.WriteRune(r)
		case r > 0xffff:
			hi, lo := utf16.EncodeRune(r)
			fmt.Fprintf(buf, `\u%04x\u%04x`, hi, lo)
		default:
			fmt.Fprintf(buf, `\u%04x`, r)
		}
	}
	buf.WriteByte('"')
}

// ipnString reads a field that may arrive as a string or a number.
func ipnString(data map[string]any, key string) string {
	switch v := data[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// ipnAmount reads a numeric field, returning zero when absent or unparsable.
func ipnAmount(data map[string]any, key string) decimal.Decimal {
	raw := strings.TrimSpace(ipnString(data, key))
	if raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}
