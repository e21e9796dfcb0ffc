package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/xtrntr/clearinghouse/internal/models"
	"github.com/xtrntr/clearinghouse/internal/store"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials hides whether the username or the password was wrong
var ErrInvalidCredentials = errors.New("invalid credentials")

// Options configures token signing and the funding of new accounts
type Options struct {
	Secret          string
	TokenTTL        time.Duration
	InitialBalance  uint64
	InitialHoldings uint64
}

// AuthService handles user authentication
type AuthService struct {
	Accounts *store.Accounts
	opts     Options
}

// NewAuthService creates a new auth service
func NewAuthService(accounts *store.Accounts, opts Options) *AuthService {
	return &AuthService{Accounts: accounts, opts: opts}
}

// Register creates a new funded account with a hashed password
func (s *AuthService) Register(ctx context.Context, username, password string) (*models.Account, error) {
	// Validate input
	if username == "" {
		return nil, fmt.Errorf("%w: username cannot be empty", models.ErrInvalidAccount)
	}
	if password == "" {
		return nil, fmt.Errorf("%w: password cannot be empty", models.ErrInvalidAccount)
	}
	if len(username) > 50 {
		return nil, fmt.Errorf("%w: username too long (max 50 characters)", models.ErrInvalidAccount)
	}
	// bcrypt only looks at the first 72 bytes
	if len(password) > 72 {
		return nil, fmt.Errorf("%w: password too long (max 72 characters)", models.ErrInvalidAccount)
	}

	// Hash the password
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	acct := models.Account{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hashedPassword),
		Balance:      s.opts.InitialBalance,
		Holdings:     s.opts.InitialHoldings,
	}
	if err := s.Accounts.Create(ctx, acct); err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return &acct, nil
}

// Login verifies credentials and generates a JWT
func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	acct, err := s.Accounts.LookupByUsername(ctx, username)
	if errors.Is(err, models.ErrAccountNotFound) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}

	// Verify password
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	// Generate JWT
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  acct.ID,
		"username": acct.Username,
		"exp":      time.Now().Add(s.opts.TokenTTL).Unix(),
	})

	tokenString, err := token.SignedString([]byte(s.opts.Secret))
	if err != nil {
		return "", err
	}
	return tokenString, nil
}

// GetUserFromToken extracts the account id from a JWT
func (s *AuthService) GetUserFromToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.opts.Secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		userID, ok := claims["user_id"].(string)
		if !ok || userID == "" {
			return "", errors.New("token has no user_id claim")
		}
		return userID, nil
	}
	return "", errors.New("invalid token")
}
