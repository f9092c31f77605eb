// ABOUTME: Account registration and password login backed by the user directory
// ABOUTME: Hashes passwords with bcrypt and validates input with go-playground/validator

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/coven-dm/internal/store"
)

// Account errors
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidAccount     = errors.New("invalid account details")
)

var validate = validator.New()

// RegisterRequest is the input to Accounts.Register.
type RegisterRequest struct {
	Username string `validate:"required,min=3,max=32,alphanum"`
	Email    string `validate:"omitempty,email"`
	Password string `validate:"required,min=8,max=72"`
}

// Session is the result of a successful register or login.
type Session struct {
	User      *store.User
	Token     string
	ExpiresAt time.Time
}

// Accounts registers users and logs them in.
type Accounts struct {
	users    store.UserStore
	issuer   TokenIssuer
	tokenTTL time.Duration
	cost     int
	logger   *slog.Logger
}

// NewAccounts creates an account service. A zero tokenTTL defaults to 30 days.
func NewAccounts(users store.UserStore, issuer TokenIssuer, tokenTTL time.Duration, logger *slog.Logger) *Accounts {
	if tokenTTL <= 0 {
		tokenTTL = 30 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Accounts{
		users:    users,
		issuer:   issuer,
		tokenTTL: tokenTTL,
		cost:     bcrypt.DefaultCost,
		logger:   logger.With("component", "accounts"),
	}
}

// Register validates req, creates the user and returns a token for them.
// Returns store.ErrUsernameTaken when the name is already registered.
func (a *Accounts) Register(ctx context.Context, req RegisterRequest) (*Session, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)

	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccount, err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), a.cost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	user := &store.User{
		ID:           uuid.NewString(),
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	if err := a.users.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	a.logger.Info("user registered", "user_id", user.ID, "username", user.Username)
	return a.issue(user)
}

// Login checks username and password and returns a fresh token.
func (a *Accounts) Login(ctx context.Context, username, password string) (*Session, error) {
	user, err := a.users.GetUserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		// Same answer as a wrong password so usernames can't be probed
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		a.logger.Debug("login failed", "username", username)
		return nil, ErrInvalidCredentials
	}

	return a.issue(user)
}

func (a *Accounts) issue(user *store.User) (*Session, error) {
	token, err := a.issuer.Generate(user.ID, a.tokenTTL)
	if err != nil {
		return nil, fmt.Errorf("generating token: %w", err)
	}
	return &Session{
		User:      user,
		Token:     token,
		ExpiresAt: time.Now().Add(a.tokenTTL).UTC(),
	}, nil
}
