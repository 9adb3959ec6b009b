// internal/token/token.go
package token

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Format selects how the bytes received over the out-of-band channel are
// interpreted.
type Format int

const (
	// FormatStructured: the payload is a JSON envelope wrapping the token.
	FormatStructured Format = iota
	// FormatRaw: the payload bytes are the token verbatim.
	FormatRaw
)

const envelopeVersionV1 = 1

// Token is the verification payload exchanged over the OOB channel. The
// channel treats it as opaque; only the pairing flow above interprets it.
type Token struct {
	Bytes []byte
}

// envelope is the structured wire shape (must match the mobile client).
type envelope struct {
	V        int    `json:"v"`
	TokenB64 string `json:"token_b64"`
}

// ParseFormat maps a config string to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "structured":
		return FormatStructured, nil
	case "raw":
		return FormatRaw, nil
	default:
		return 0, fmt.Errorf("unknown wire format %q", s)
	}
}

func (f Format) String() string {
	if f == FormatRaw {
		return "raw"
	}
	return "structured"
}

// Decode turns received payload bytes into a Token.
//
// Raw format fails only on an empty payload. Structured format fails when
// the bytes do not parse as a v1 envelope carrying a non-empty token.
func Decode(b []byte, f Format) (*Token, error) {
	switch f {
	case FormatRaw:
		if len(b) == 0 {
			return nil, fmt.Errorf("empty raw token")
		}
		return &Token{Bytes: append([]byte(nil), b...)}, nil
	case FormatStructured:
		var env envelope
		if err := json.Unmarshal(b, &env); err != nil {
			return nil, fmt.Errorf("parse token envelope: %w", err)
		}
		if env.V != envelopeVersionV1 {
			return nil, fmt.Errorf("unsupported envelope version=%d", env.V)
		}
		tok, err := base64.StdEncoding.DecodeString(env.TokenB64)
		if err != nil {
			return nil, fmt.Errorf("decode token_b64: %w", err)
		}
		if len(tok) == 0 {
			return nil, fmt.Errorf("envelope carries empty token")
		}
		return &Token{Bytes: tok}, nil
	default:
		return nil, fmt.Errorf("unknown format %d", f)
	}
}

// EncodeStructured builds the v1 JSON envelope for a token. Used by the
// sender tool and by tests; the daemon side only decodes.
func EncodeStructured(tok []byte) ([]byte, error) {
	if len(tok) == 0 {
		return nil, fmt.Errorf("empty token")
	}
	env := envelope{
		V:        envelopeVersionV1,
		TokenB64: base64.StdEncoding.EncodeToString(tok),
	}
	return json.Marshal(&env)
}
