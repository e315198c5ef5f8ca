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
	// ErrInvalidCredentials signals an unknown service or wrong API key.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrKeyDisabled signals the service key has been revoked.
	ErrKeyDisabled = errors.New("auth: service key disabled")
)

const tokenTTL = 1 * time.Hour

// Service exchanges service API keys for short-lived HS256 tokens and
// verifies them on incoming internal requests.
type Service struct {
	repo      Repository
	jwtSecret []byte
}

func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
	}
}

// RegisterKey stores a new service key, bcrypt-hashed.
func (s *Service) RegisterKey(ctx context.Context, name, apiKey string) (ServiceKey, error) {
	if name == "" {
		return ServiceKey{}, fmt.Errorf("auth: service name required")
	}
	if len(apiKey) < 16 {
		return ServiceKey{}, fmt.Errorf("auth: api key must be at least 16 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return ServiceKey{}, fmt.Errorf("auth: hash api key: %w", err)
	}
	return s.repo.CreateKey(ctx, name, string(hash))
}

// IssueToken validates the API key and returns a signed service token.
func (s *Service) IssueToken(ctx context.Context, req TokenRequest) (string, error) {
	key, err := s.repo.GetKeyByName(ctx, req.Service)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}
	if key.Disabled {
		return "", ErrKeyDisabled
	}

	if err := bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(req.APIKey)); err != nil {
		return "", ErrInvalidCredentials
	}

	claims := jwt.MapClaims{
		"svc": key.Name,
		"exp": time.Now().Add(tokenTTL).Unix(),
		"iat": time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates a service token and returns the caller name.
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
	svc, ok := claims["svc"].(string)
	if !ok || svc == "" {
		return "", fmt.Errorf("auth: invalid svc claim")
	}
	return svc, nil
}
