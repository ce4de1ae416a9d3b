package policy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Canonicalize serializes a value using the JSON Canonicalization Scheme
// (RFC 8785): object keys sorted lexicographically, no insignificant
// whitespace, arrays left in their given order. It round-trips the value
// through a generic JSON tree first so struct field order never leaks in.
func Canonicalize(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("policy: marshaling for canonicalization: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("policy: unmarshaling for canonicalization: %w", err)
	}
	var b strings.Builder
	if err := canonicalizeValue(&b, generic); err != nil {
		return "", err
	}
	return b.String(), nil
}

func canonicalizeValue(b *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		encoded, err := json.Marshal(val)
		if err != nil {
			return err
		}
		b.Write(encoded)
	case float64:
		encoded, err := json.Marshal(val)
		if err != nil {
			return err
		}
		b.Write(encoded)
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := canonicalizeValue(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			keyEncoded, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(keyEncoded)
			b.WriteByte(':')
			if err := canonicalizeValue(b, val[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	default:
		return fmt.Errorf("policy: unsupported type %T in canonical form", v)
	}
	return nil
}

// Sha256Hex returns the lowercase hex SHA-256 digest of data.
func Sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashCanonical canonicalizes v and returns the hex SHA-256 of the result —
// the content-addressing scheme every policy/authority/attestation ID uses.
func HashCanonical(v any) (string, error) {
	canon, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return Sha256Hex([]byte(canon)), nil
}

// HMACSign returns the hex HMAC-SHA256 of v's canonical form under key.
func HMACSign(v any, key []byte) (string, error) {
	canon, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(canon))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// HMACVerify reports whether signature is the valid hex HMAC-SHA256 of v's
// canonical form under key.
func HMACVerify(v any, key []byte, signature string) (bool, error) {
	expected, err := HMACSign(v, key)
	if err != nil {
		return false, err
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false, nil
	}
	exp, err := hex.DecodeString(expected)
	if err != nil {
		return false, err
	}
	return hmac.Equal(sig, exp), nil
}
