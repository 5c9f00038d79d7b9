// Package token implements the flat configuration string shared by every
// network module. A string is a tab separated list of tokens of the form
//
//	key=<len>:<value>
//
// where len is the byte length of value in decimal. The explicit length lets
// values carry tabs or '=' without escaping. Binary values are hex encoded
// before the length is computed.
package token

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Common configuration keys written by every module.
const (
	KeyType        = "type"
	KeyVersion     = "version"
	KeyGameID      = "gameID"
	KeyGameName    = "gameName"
	KeyMode        = "mode"
	KeyNetSprocket = "netSprocket"
	KeyEnumData    = "enumData"
)

// ErrMalformed is returned when a string cannot be split into tokens.
var ErrMalformed = errors.New("malformed token string")

// Writer builds a token string.
type Writer struct {
	b strings.Builder
}

func (w *Writer) put(key, value string) {
	if w.b.Len() > 0 {
		w.b.WriteByte('\t')
	}
	w.b.WriteString(key)
	w.b.WriteByte('=')
	w.b.WriteString(strconv.Itoa(len(value)))
	w.b.WriteByte(':')
	w.b.WriteString(value)
}

// PutString appends a string token.
func (w *Writer) PutString(key, v string) { w.put(key, v) }

// PutUint32 appends an unsigned decimal token.
func (w *Writer) PutUint32(key string, v uint32) { w.put(key, strconv.FormatUint(uint64(v), 10)) }

// PutInt32 appends a signed decimal token.
func (w *Writer) PutInt32(key string, v int32) { w.put(key, strconv.FormatInt(int64(v), 10)) }

// PutBool appends "true" or "false".
func (w *Writer) PutBool(key string, v bool) { w.put(key, strconv.FormatBool(v)) }

// PutBinary appends a hex encoded token. Empty payloads are skipped.
func (w *Writer) PutBinary(key string, v []byte) {
	if len(v) == 0 {
		return
	}
	w.put(key, hex.EncodeToString(v))
}

// String returns the accumulated token string.
func (w *Writer) String() string { return w.b.String() }

// Len returns the length of the accumulated token string.
func (w *Writer) Len() int { return w.b.Len() }

// Tokens is a parsed token string. Lookups never fail hard: a missing or
// unparsable value reports ok=false so the caller can keep its default.
type Tokens map[string]string

// Parse splits s into tokens. Later duplicates overwrite earlier ones.
func Parse(s string) (Tokens, error) {
	t := make(Tokens)
	for i := 0; i < len(s); {
		if s[i] == '\t' {
			i++
			continue
		}
		eq := strings.IndexByte(s[i:], '=')
		if eq <= 0 {
			return t, fmt.Errorf("%w: missing key at offset %d", ErrMalformed, i)
		}
		key := s[i : i+eq]
		i += eq + 1

		colon := strings.IndexByte(s[i:], ':')
		if colon <= 0 {
			return t, fmt.Errorf("%w: missing length for %q", ErrMalformed, key)
		}
		n, err := strconv.Atoi(s[i : i+colon])
		if err != nil || n < 0 {
			return t, fmt.Errorf("%w: bad length for %q", ErrMalformed, key)
		}
		i += colon + 1
		if i+n > len(s) {
			return t, fmt.Errorf("%w: value of %q truncated", ErrMalformed, key)
		}
		t[key] = s[i : i+n]
		i += n
	}
	return t, nil
}

// String looks up a string token.
func (t Tokens) String(key string) (string, bool) {
	v, ok := t[key]
	return v, ok
}

// Uint32 looks up an unsigned decimal token.
func (t Tokens) Uint32(key string) (uint32, bool) {
	v, ok := t[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// Int32 looks up a signed decimal token.
func (t Tokens) Int32(key string) (int32, bool) {
	v, ok := t[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return 0, false
	}
	return int32(n), true
}

// Bool looks up a boolean token.
func (t Tokens) Bool(key string) (bool, bool) {
	v, ok := t[key]
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// Binary looks up a hex encoded token.
func (t Tokens) Binary(key string) ([]byte, bool) {
	v, ok := t[key]
	if !ok {
		return nil, false
	}
	b, err := hex.DecodeString(v)
	if err != nil {
		return nil, false
	}
	return b, true
}
