// Package signer computes request signatures and nonces for the exchange's
// private API.
//
// A signature is derived from the nonce, the request path and, when present,
// the request body:
//
//	message   = nonce ":" path [ ":" body ]
//	digest    = SHA-256(message)            (raw 32 bytes)
//	signature = base64(HMAC-SHA-512(secret, digest))
//
// Signing is pure and deterministic. [NonceSource] hands out the strictly
// increasing nonces that go into each signature.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrEmptySecret is returned by [Sign] when no secret is supplied.
var ErrEmptySecret = errors.New("signer: secret must not be empty")

// Sign returns the base64 signature for nonce, path and body using secret as
// the HMAC key.
//
// body may be nil (omitted from the message), a string, []byte or
// [json.RawMessage] (used verbatim), or any other value, which is serialised
// with encoding/json. A pre-serialised string and the equivalent object only
// produce the same signature if their JSON encodings are byte-identical.
func Sign(nonce uint64, path string, body any, secret string) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	msg, err := message(nonce, path, body)
	if err != nil {
		return "", err
	}

	digest := sha256.Sum256([]byte(msg))
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(digest[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// message builds the colon-joined string that is digested by [Sign].
func message(nonce uint64, path string, body any) (string, error) {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(nonce, 10))
	b.WriteByte(':')
	b.WriteString(path)

	if body == nil {
		return b.String(), nil
	}

	b.WriteByte(':')
	switch v := body.(type) {
	case string:
		b.WriteString(v)
	case json.RawMessage:
		b.Write(v)
	case []byte:
		b.Write(v)
	default:
		enc, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("signer: encode body: %w", err)
		}
		b.Write(enc)
	}
	return b.String(), nil
}
