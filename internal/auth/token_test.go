package auth

import (
	"errors"
	"testing"
)

func TestCheckBearer(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   error
	}{
		{"valid", "Bearer secret", nil},
		{"padded", "  Bearer secret  ", nil},
		{"missing", "", ErrMissingToken},
		{"wrong scheme", "Basic c2VjcmV0", ErrMissingToken},
		{"empty token", "Bearer ", ErrMissingToken},
		{"wrong token", "Bearer other", ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckBearer(tt.header, "secret")
			if !errors.Is(err, tt.want) {
				t.Fatalf("CheckBearer(%q) error = %v, want %v", tt.header, err, tt.want)
			}
		})
	}
}

func TestCheckBearerRejectsWhenNoTokenConfigured(t *testing.T) {
	if err := CheckBearer("Bearer anything", ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("CheckBearer() error = %v", err)
	}
}

func TestVerifyHubSpotSignature(t *testing.T) {
	body := []byte(`[{"eventId":1}]`)
	signature := HubSpotSignature("client-secret", body)
	if signature != HashToken(`client-secret[{"eventId":1}]`) {
		t.Fatalf("unexpected signature %s", signature)
	}
	if err := VerifyHubSpotSignature(signature, "client-secret", body); err != nil {
		t.Fatalf("VerifyHubSpotSignature() error = %v", err)
	}
	if err := VerifyHubSpotSignature(signature, "other-secret", body); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if err := VerifyHubSpotSignature("", "client-secret", body); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestHashTokenIsHexSHA256(t *testing.T) {
	const emptySHA = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := HashToken(""); got != emptySHA {
		t.Fatalf("HashToken(\"\") = %s", got)
	}
}
