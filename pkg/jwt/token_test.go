package jwt

import (
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := NewTokenService("secret", time.Minute, "transcription-service")

	token, exp, err := svc.GenerateToken("ops", ScopeAdmin)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Fatalf("expiry %v is not in the future", exp)
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.Operator != "ops" || claims.Scope != ScopeAdmin {
		t.Errorf("claims = %+v", claims)
	}
}

func TestValidateTokenRejectsForeignSecretAndIssuer(t *testing.T) {
	token, _, err := NewTokenService("other", time.Minute, "transcription-service").GenerateToken("ops", ScopeAdmin)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	if _, err := NewTokenService("secret", time.Minute, "transcription-service").ValidateToken(token); err == nil {
		t.Error("token signed with another secret was accepted")
	}

	token, _, _ = NewTokenService("secret", time.Minute, "someone-else").GenerateToken("ops", ScopeAdmin)
	if _, err := NewTokenService("secret", time.Minute, "transcription-service").ValidateToken(token); err == nil {
		t.Error("token from another issuer was accepted")
	}
}

func TestValidateTokenExpired(t *testing.T) {
	svc := NewTokenService("secret", -time.Minute, "transcription-service")
	token, _, err := svc.GenerateToken("ops", ScopeAdmin)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	if _, err := svc.ValidateToken(token); err == nil {
		t.Error("expired token was accepted")
	}
}
