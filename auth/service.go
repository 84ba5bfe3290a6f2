package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals a wrong address or secret.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakSecret signals the secret doesn't meet requirements.
	ErrWeakSecret = errors.New("auth: secret must be at least 8 characters")
)

// Service resolves API callers to participant addresses. Tokens carry only
// the address; roles are always re-read from the registry by the core, so a
// stale token can never widen a caller's permissions.
type Service struct {
	repo      CredentialRepository
	jwtSecret []byte
}

func NewService(repo CredentialRepository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
	}
}

// SetSecret stores a bcrypt hash of the participant's access secret. The
// participant must already be registered.
func (s *Service) SetSecret(ctx context.Context, address, secret string) error {
	if len(secret) < 8 {
		return ErrWeakSecret
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("auth: hash secret: %w", err)
	}
	return s.repo.SetSecretHash(ctx, address, string(hash))
}

// IssueToken verifies the secret and mints a signed token for the address.
func (s *Service) IssueToken(ctx context.Context, req IssueRequest) (IssueResult, error) {
	hash, err := s.repo.SecretHash(ctx, req.Address)
	if err != nil {
		if errors.Is(err, ErrNoCredential) {
			return IssueResult{}, ErrInvalidCredentials
		}
		return IssueResult{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Secret)); err != nil {
		return IssueResult{}, ErrInvalidCredentials
	}

	claims := jwt.MapClaims{
		"sub": req.Address,
		"exp": time.Now().Add(24 * time.Hour).Unix(),
		"iat": time.Now().Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return IssueResult{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return IssueResult{Token: token, Address: req.Address}, nil
}

// VerifyToken validates a token and returns the participant address.
func (s *Service) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", fmt.Errorf("auth: parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("auth: invalid token")
	}
	address, ok := claims["sub"].(string)
	if !ok || address == "" {
		return "", fmt.Errorf("auth: invalid subject in token")
	}
	return address, nil
}
