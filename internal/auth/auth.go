package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatsync/internal/content"
	"chatsync/internal/models"

	"github.com/c-pro/geche"
	"golang.org/x/crypto/blake2b"
)

const DefaultTokenExpiry = 12 * time.Hour

var (
	ErrUserExists   = errors.New("user already exists")
	ErrUnauthorized = errors.New("invalid or expired token")
	ErrUserNotFound = models.NewError(models.KindNotFound, models.CodeUserNotFound, "user not found")
)

// Backend persists identities and token hashes. Raw tokens are never stored.
type Backend interface {
	UpsertUser(user models.User) error
	ListUsers() ([]models.User, error)
	UpsertToken(userID string, tokenHash string) error
	DeleteToken(tokenHash string) error
	ListTokens() (map[string]string, error)
}

// IssueResponse is returned when a token is issued for a user.
type IssueResponse struct {
	Success     bool        `json:"success"`
	Message     string      `json:"message,omitempty"`
	User        models.User `json:"user"`
	Token       string      `json:"token,omitempty"`
	TokenExpiry int64       `json:"tokenExpiry,omitempty"`
}

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}
	if len(c.secretBytes) < 16 || len(c.secretBytes) > blake2b.Size {
		return fmt.Errorf("auth secret must be between 16 and %d bytes", blake2b.Size)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

// AuthService resolves bearer tokens to users. It is the identity resolver
// of the chat core: everything else only sees user ids.
type AuthService struct {
	Config
	users      *geche.Locker[string, models.User]
	liveTokens geche.Geche[string, string] // token hash -> user id
	backend    Backend
	now        func() time.Time
}

func NewAuthService(ctx context.Context, config Config, backend Backend) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AuthService{
		Config:     config,
		users:      geche.NewLocker[string, models.User](geche.NewMapCache[string, models.User]()),
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		backend:    backend,
		now:        time.Now,
	}, nil
}

// Load restores users and token hashes from the backend.
func (as *AuthService) Load() error {
	if as.backend == nil {
		return nil
	}
	users, err := as.backend.ListUsers()
	if err != nil {
		return fmt.Errorf("failed to load users: %w", err)
	}
	tx := as.users.Lock()
	for _, u := range users {
		tx.Set(u.ID, u)
	}
	tx.Unlock()

	tokens, err := as.backend.ListTokens()
	if err != nil {
		return fmt.Errorf("failed to load tokens: %w", err)
	}
	for hash, userID := range tokens {
		as.liveTokens.Set(hash, userID)
	}
	slog.Info("identities loaded", "users", len(users), "tokens", len(tokens))
	return nil
}

// AddUser registers a new user. The username is the stable user id.
func (as *AuthService) AddUser(username, displayName string) (models.User, error) {
	if err := content.ValidateUsername(username); err != nil {
		return models.User{}, models.InvalidRequest(err.Error())
	}
	displayName = content.SanitizeName(displayName)
	if displayName == "" {
		displayName = username
	}

	tx := as.users.Lock()
	defer tx.Unlock()
	if _, err := tx.Get(username); err == nil {
		return models.User{}, ErrUserExists
	}

	user := models.User{
		ID:          username,
		DisplayName: displayName,
		Presence:    models.Presence{Status: models.PresenceOffline},
	}
	if as.backend != nil {
		if err := as.backend.UpsertUser(user); err != nil {
			return models.User{}, fmt.Errorf("failed to store user: %w", err)
		}
	}
	tx.Set(username, user)
	return user, nil
}

// IssueToken creates a new bearer token for an existing user.
func (as *AuthService) IssueToken(userID string) (IssueResponse, error) {
	user, err := as.User(userID)
	if err != nil {
		return IssueResponse{}, err
	}

	token, err := as.generateToken()
	if err != nil {
		slog.Error("token generation failed", "user_id", userID, "error", err)
		return IssueResponse{}, err
	}
	hash := as.hashToken(token)
	if as.backend != nil {
		if err := as.backend.UpsertToken(userID, hash); err != nil {
			return IssueResponse{}, fmt.Errorf("failed to store token: %w", err)
		}
	}
	as.liveTokens.Set(hash, userID)

	return IssueResponse{
		Success:     true,
		User:        user,
		Token:       token,
		TokenExpiry: as.now().Unix() + int64(as.TokenExpiry.Seconds()),
	}, nil
}

// Resolve returns the user owning the token.
func (as *AuthService) Resolve(token string) (models.User, error) {
	if token == "" {
		return models.User{}, ErrUnauthorized
	}
	userID, err := as.liveTokens.Get(as.hashToken(token))
	if err != nil {
		return models.User{}, ErrUnauthorized
	}
	return as.User(userID)
}

// User returns a registered user.
func (as *AuthService) User(userID string) (models.User, error) {
	tx := as.users.Lock()
	defer tx.Unlock()
	user, err := tx.Get(userID)
	if err != nil {
		return models.User{}, ErrUserNotFound
	}
	return user, nil
}

// Logoff revokes the token.
func (as *AuthService) Logoff(token string) error {
	hash := as.hashToken(token)
	if as.backend != nil {
		if err := as.backend.DeleteToken(hash); err != nil {
			return fmt.Errorf("failed to delete token: %w", err)
		}
	}
	return as.liveTokens.Del(hash)
}

func (as *AuthService) hashToken(token string) string {
	h, err := blake2b.New256(as.secretBytes)
	if err != nil {
		// Key length is checked by Validate.
		panic(err)
	}
	h.Write([]byte(token))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

func (as *AuthService) generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
