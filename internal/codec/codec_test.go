package codec

import (
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		suffix string
		args   []string
	}{
		{"no args", "hub", "", nil},
		{"with suffix", "hub", "join", []string{"hub-123"}},
		{"multi arg", "ban", "confirm", []string{"user-1", "server-2", "PERMANENT"}},
		{"empty arg", "rules", "accept", []string{""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := Encode(tt.prefix, tt.suffix, tt.args, nil)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			got, err := Decode(encoded, time.Now())
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if got.Prefix != tt.prefix || got.Suffix != tt.suffix {
				t.Errorf("Decode() = %+v, want prefix=%q suffix=%q", got, tt.prefix, tt.suffix)
			}
			if len(got.Args) != len(tt.args) {
				t.Fatalf("Decode() args = %v, want %v", got.Args, tt.args)
			}
			for i := range tt.args {
				if got.Args[i] != tt.args[i] {
					t.Errorf("Decode() args[%d] = %q, want %q", i, got.Args[i], tt.args[i])
				}
			}
		})
	}
}

func TestEncode_RejectsReservedBytes(t *testing.T) {
	_, err := Encode("hub", "", []string{"bad\x1fsep"}, nil)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Encode() error = %v, want ErrInvalidArgument", err)
	}
}

func TestEncode_TokenTooLong(t *testing.T) {
	// Distinct numbers compress poorly, so neither the literal nor the
	// flate-compressed form fits in MaxTokenBytes.
	var huge strings.Builder
	for i := 0; i < 200; i++ {
		huge.WriteString(strconv.Itoa(i * 7919))
	}
	_, err := Encode("hub", "", []string{huge.String()}, nil)
	if !errors.Is(err, ErrTokenTooLong) {
		t.Fatalf("Encode() error = %v, want ErrTokenTooLong", err)
	}
}

func TestDecode_MalformedToken(t *testing.T) {
	_, err := Decode("not-a-valid-token!!!", time.Now())
	if !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("Decode() error = %v, want ErrMalformedToken", err)
	}
}

func TestDecode_ExpiredToken(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	encoded, err := Encode("hub", "prompt", []string{"arg"}, &past)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	_, err = Decode(encoded, time.Now())
	if !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("Decode() error = %v, want ErrExpiredToken", err)
	}
}

func TestDecode_FutureExpiryOK(t *testing.T) {
	future := time.Now().Add(time.Hour)
	encoded, err := Encode("hub", "prompt", []string{"arg"}, &future)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	got, err := Decode(encoded, time.Now())
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Expiry == nil {
		t.Fatal("Decode() Expiry = nil, want set")
	}
}

func TestDecode_AcceptsLiteralAndCompressedForms(t *testing.T) {
	// A short payload, for which Encode emits the literal form, and a
	// repetitive one, for which it emits the compressed form, must both
	// decode.
	literal, err := Encode("x", "", nil, nil)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if _, err := Decode(literal, time.Now()); err != nil {
		t.Fatalf("Decode(literal) error = %v", err)
	}

	longArgs := []string{strings.Repeat("abc", 10)}
	compressed, err := Encode("y", "", longArgs, nil)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	got, err := Decode(compressed, time.Now())
	if err != nil {
		t.Fatalf("Decode(compressed) error = %v", err)
	}
	if len(got.Args) != 1 || got.Args[0] != longArgs[0] {
		t.Errorf("Decode(compressed) args = %v, want %v", got.Args, longArgs)
	}
}
