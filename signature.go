package webhookd

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"time"
)

// SignatureMethodSHA256 is the default HMAC hash method.
const SignatureMethodSHA256 = "sha256"

const nonceSize = 16

// SignatureResult holds one signature together with the timestamp and nonce it
// binds. It is embedded into the outgoing request headers, never persisted on
// its own.
type SignatureResult struct {
	Signature string
	Method    string
	Timestamp int64
	Nonce     string
}

// Encoded returns the wire form "<hexsig>.<unix-ts>.<nonce-hex>".
func (r SignatureResult) Encoded() string {
	return fmt.Sprintf("%s.%d.%s", r.Signature, r.Timestamp, r.Nonce)
}

// Sign computes an HMAC over payload bound to a fresh timestamp and random
// nonce, so two signatures over the same payload are never equal and a
// captured request cannot be replayed outside the receiver's clock-skew
// window. The signed message is "payload.timestamp.nonce".
func Sign(payload, secret, method string) (SignatureResult, error) {
	hashFn, err := hashForMethod(method)
	if err != nil {
		return SignatureResult{}, err
	}

	nonceBytes := make([]byte, nonceSize)
	if _, err := rand.Read(nonceBytes); err != nil {
		return SignatureResult{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	nonce := hex.EncodeToString(nonceBytes)
	timestamp := time.Now().Unix()

	mac := hmac.New(hashFn, []byte(secret))
	mac.Write(signedMessage(payload, strconv.FormatInt(timestamp, 10), nonce))

	return SignatureResult{
		Signature: hex.EncodeToString(mac.Sum(nil)),
		Method:    method,
		Timestamp: timestamp,
		Nonce:     nonce,
	}, nil
}

// Verify checks an encoded signature ("<hexsig>.<ts>.<nonce>") against payload
// and secret. It returns false, never an error, on malformed input: a garbled
// signature must be indistinguishable from a wrong one, including in timing.
func Verify(payload, encoded, secret, method string) bool {
	hashFn, err := hashForMethod(method)
	if err != nil {
		return false
	}

	parts := strings.Split(encoded, ".")
	if len(parts) != 3 {
		return false
	}
	provided, err := hex.DecodeString(parts[0])
	if err != nil {
		return false
	}

	mac := hmac.New(hashFn, []byte(secret))
	mac.Write(signedMessage(payload, parts[1], parts[2]))

	return hmac.Equal(provided, mac.Sum(nil))
}

func signedMessage(payload, timestamp, nonce string) []byte {
	msg := make([]byte, 0, len(payload)+len(timestamp)+len(nonce)+2)
	msg = append(msg, payload...)
	msg = append(msg, '.')
	msg = append(msg, timestamp...)
	msg = append(msg, '.')
	msg = append(msg, nonce...)
	return msg
}

func hashForMethod(method string) (func() hash.Hash, error) {
	switch method {
	case "", SignatureMethodSHA256:
		return sha256.New, nil
	case "sha1":
		return sha1.New, nil
	case "sha512":
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("unsupported signature method: %q", method)
	}
}
