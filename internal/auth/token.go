package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingToken     = errors.New("missing token")
	ErrInvalidToken     = errors.New("invalid token")
	ErrInvalidSignature = errors.New("invalid signature")
)

// BearerToken extracts the token of an "Authorization: Bearer <token>" header.
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "Bearer ") {
		return "", ErrMissingToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// CheckBearer validates the Authorization header against the expected API token.
func CheckBearer(header, expected string) error {
	token, err := BearerToken(header)
	if err != nil {
		return err
	}
	if expected == "" || !hmac.Equal([]byte(token), []byte(expected)) {
		return ErrInvalidToken
	}
	return nil
}

// HubSpotSignature is the v1 webhook signature: hex sha256 of the app client
// secret followed by the request body.
func HubSpotSignature(clientSecret string, body []byte) string {
	return HashToken(clientSecret + string(bytes.TrimSpace(body)))
}

// VerifyHubSpotSignature compares the X-HubSpot-Signature header value with
// the signature computed over body.
func VerifyHubSpotSignature(signature, clientSecret string, body []byte) error {
	expected := HubSpotSignature(clientSecret, body)
	if !hmac.Equal([]byte(strings.ToLower(strings.TrimSpace(signature))), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}
