package auth

import "testing"

func TestServiceDisabledWithoutConfig(t *testing.T) {
	s := NewService(Config{})
	if s.Enabled() {
		t.Fatal("expected a Service with no secret and no allow-list to be disabled")
	}
	if _, err := s.Validate("anything"); err != ErrDisabled {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestNilServiceIsDisabled(t *testing.T) {
	var s *Service
	if s.Enabled() {
		t.Fatal("expected a nil *Service to be disabled")
	}
}

func TestValidateAcceptsAllowListedToken(t *testing.T) {
	s := NewService(Config{AllowedTokens: []string{"tok-a", "tok-b"}})
	if !s.Enabled() {
		t.Fatal("expected Service with an allow-list to be enabled")
	}
	if _, err := s.Validate("tok-b"); err != nil {
		t.Fatalf("expected tok-b to validate, got %v", err)
	}
}

func TestValidateRejectsUnlistedToken(t *testing.T) {
	s := NewService(Config{AllowedTokens: []string{"tok-a"}})
	if _, err := s.Validate("tok-z"); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidateRejectsEmptyToken(t *testing.T) {
	s := NewService(Config{AllowedTokens: []string{"tok-a"}})
	if _, err := s.Validate("   "); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for a blank token, got %v", err)
	}
}

func TestGenerateAndValidateRoundTripJWT(t *testing.T) {
	s := NewService(Config{JWTSecret: "top-secret"})
	token, err := s.Generate("session-client-42")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	subject, err := s.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if subject != "session-client-42" {
		t.Fatalf("expected subject session-client-42, got %q", subject)
	}
}

func TestValidateRejectsTokenSignedWithDifferentSecret(t *testing.T) {
	signer := NewService(Config{JWTSecret: "secret-one"})
	token, err := signer.Generate("someone")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	verifier := NewService(Config{JWTSecret: "secret-two"})
	if _, err := verifier.Validate(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for a mismatched secret, got %v", err)
	}
}

func TestGenerateWithoutSecretFails(t *testing.T) {
	s := NewService(Config{AllowedTokens: []string{"tok-a"}})
	if _, err := s.Generate("someone"); err != ErrDisabled {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestJWTAndAllowListCanCoexist(t *testing.T) {
	s := NewService(Config{JWTSecret: "secret", AllowedTokens: []string{"static-tok"}})
	if _, err := s.Validate("static-tok"); err != nil {
		t.Fatalf("expected the static token to validate alongside JWT config, got %v", err)
	}
	token, err := s.Generate("user-1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := s.Validate(token); err != nil {
		t.Fatalf("expected the generated JWT to validate, got %v", err)
	}
}
