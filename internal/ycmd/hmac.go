package ycmd

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"github.com/cockroachdb/errors"
)

// HMACHeader is attached to every request and response. The server
// rejects unauthenticated requests, and the client drops responses whose
// signature does not verify.
const HMACHeader = "X-Ycm-Hmac"

// HMACSecretLength is the number of random bytes in a generated secret.
const HMACSecretLength = 16

// NewHMACSecret generates a binary shared secret for one server instance.
func NewHMACSecret() ([]byte, error) {
	secret := make([]byte, HMACSecretLength)
	if _, err := rand.Read(secret); err != nil {
		return nil, errors.Wrap(err, "generate hmac secret")
	}
	return secret, nil
}

// hmacSum computes a single HMAC-SHA256 digest.
func hmacSum(secret, data []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil)
}

// signParts signs each part separately, concatenates the digests, and
// signs the concatenation. This is the layered scheme ycmd uses for both
// request and response signatures.
func signParts(secret []byte, parts ...[]byte) string {
	joined := make([]byte, 0, len(parts)*sha256.Size)
	for _, part := range parts {
		joined = append(joined, hmacSum(secret, part)...)
	}
	return base64.StdEncoding.EncodeToString(hmacSum(secret, joined))
}

// SignRequest computes the header value for an outgoing request.
// The method, handler path, and body all participate in the signature.
func SignRequest(secret []byte, method, path string, body []byte) string {
	return signParts(secret, []byte(method), []byte(path), body)
}

// SignResponse computes the expected header value for a response body.
func SignResponse(secret []byte, body []byte) string {
	return signParts(secret, body)
}

// VerifyResponse checks a response body against its signature header.
func VerifyResponse(secret []byte, body []byte, header string) bool {
	expected := SignResponse(secret, body)
	return hmac.Equal([]byte(expected), []byte(header))
}
