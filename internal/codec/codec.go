// Package codec implements the Identifier Codec of spec §4.1: compact,
// stateless routing tokens embedded in interactive UI components. The bot
// framework delivers only the token string back to the core on a later
// interaction; decode must recover the routing tag, arguments, and optional
// expiry without a server-side session.
package codec

import (
	"compress/flate"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// MaxTokenBytes is the hard ceiling on an encoded token's length (spec §4.1).
const MaxTokenBytes = 100

// field separators. Neither may appear in a prefix, suffix, or argument.
const (
	fieldSep = "\x1f" // unit separator
	argSep   = "\x1e" // record separator
)

// compressedMarker prefixes a flate-compressed payload; literalMarker prefixes
// an uncompressed one. Decode accepts both for backward compatibility (spec
// requires accepting both forms regardless of which the current Encode emits).
const (
	literalMarker    = "L"
	compressedMarker = "Z"
)

var (
	// ErrInvalidArgument is returned by Encode when a prefix, suffix, or
	// argument contains a reserved separator byte.
	ErrInvalidArgument = errors.New("codec: argument contains reserved separator")
	// ErrTokenTooLong is returned by Encode when the final encoded form would
	// exceed MaxTokenBytes.
	ErrTokenTooLong = errors.New("codec: encoded token exceeds length limit")
	// ErrMalformedToken is returned by Decode when the token cannot be parsed.
	ErrMalformedToken = errors.New("codec: malformed token")
	// ErrExpiredToken is returned by Decode when the token's expiry has passed.
	ErrExpiredToken = errors.New("codec: token has expired")
)

// Token is the decoded form of an Identifier Codec string.
type Token struct {
	Prefix string
	Suffix string
	Args   []string
	Expiry *time.Time
}

func containsReserved(s string) bool {
	return strings.ContainsAny(s, fieldSep+argSep)
}

// Encode packs prefix, an optional suffix, zero or more args, and an optional
// absolute expiry into a single token string. It compresses the payload when
// that yields a shorter result; Decode transparently accepts either form.
func Encode(prefix, suffix string, args []string, expiry *time.Time) (string, error) {
	if containsReserved(prefix) || containsReserved(suffix) {
		return "", ErrInvalidArgument
	}
	for _, a := range args {
		if containsReserved(a) {
			return "", ErrInvalidArgument
		}
	}

	expiryField := ""
	if expiry != nil {
		expiryField = strconv.FormatInt(expiry.UnixMilli(), 10)
	}

	payload := strings.Join(append([]string{prefix, suffix, expiryField}, args...), fieldSep)

	literal := literalMarker + base64.RawURLEncoding.EncodeToString([]byte(payload))

	best := literal
	if compressed, ok := tryCompress(payload); ok && len(compressed) < len(best) {
		best = compressed
	}

	if len(best) > MaxTokenBytes {
		return "", ErrTokenTooLong
	}
	return best, nil
}

func tryCompress(payload string) (string, bool) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return "", false
	}
	if _, err := w.Write([]byte(payload)); err != nil {
		return "", false
	}
	if err := w.Close(); err != nil {
		return "", false
	}
	return compressedMarker + base64.RawURLEncoding.EncodeToString(buf.Bytes()), true
}

// Decode reverses Encode, accepting both compressed and literal forms, and
// fails ErrExpiredToken if the token carries an expiry that has passed.
func Decode(token string, now time.Time) (Token, error) {
	if len(token) < 1 {
		return Token{}, ErrMalformedToken
	}

	marker, body := token[:1], token[1:]
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	var payload []byte
	switch marker {
	case literalMarker:
		payload = raw
	case compressedMarker:
		r := flate.NewReader(bytes.NewReader(raw))
		defer r.Close()
		payload, err = io.ReadAll(r)
		if err != nil {
			return Token{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
		}
	default:
		return Token{}, ErrMalformedToken
	}

	parts := strings.Split(string(payload), fieldSep)
	if len(parts) < 3 {
		return Token{}, ErrMalformedToken
	}

	tok := Token{Prefix: parts[0], Suffix: parts[1], Args: parts[3:]}
	if len(parts) == 3 {
		tok.Args = nil
	}

	if parts[2] != "" {
		ms, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return Token{}, fmt.Errorf("%w: bad expiry", ErrMalformedToken)
		}
		exp := time.UnixMilli(ms)
		tok.Expiry = &exp
		if now.After(exp) {
			return tok, ErrExpiredToken
		}
	}

	return tok, nil
}
