package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"chatsync/internal/models"
)

type memBackend struct {
	mu     sync.Mutex
	users  map[string]models.User
	tokens map[string]string
}

func newMemBackend() *memBackend {
	return &memBackend{users: make(map[string]models.User), tokens: make(map[string]string)}
}

func (b *memBackend) UpsertUser(user models.User) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users[user.ID] = user
	return nil
}

func (b *memBackend) ListUsers() ([]models.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var users []models.User
	for _, u := range b.users {
		users = append(users, u)
	}
	return users, nil
}

func (b *memBackend) UpsertToken(userID, tokenHash string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens[tokenHash] = userID
	return nil
}

func (b *memBackend) DeleteToken(tokenHash string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tokens, tokenHash)
	return nil
}

func (b *memBackend) ListTokens() (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tokens := make(map[string]string, len(b.tokens))
	for k, v := range b.tokens {
		tokens[k] = v
	}
	return tokens, nil
}

func TestAuthService(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	createService := func(t *testing.T, backend Backend) *AuthService {
		cfg := Config{
			Secret:      base64.StdEncoding.EncodeToString([]byte("server-secret-of-32-bytes-length")),
			TokenExpiry: time.Hour,
		}
		svc, err := NewAuthService(ctx, cfg, backend)
		if err != nil {
			t.Fatalf("Failed to create service: %v", err)
		}
		svc.now = func() time.Time { return time.Unix(1700000000, 0) }
		return svc
	}

	t.Run("InvalidSecret", func(t *testing.T) {
		for _, secret := range []string{"", "not base64!", base64.StdEncoding.EncodeToString([]byte("short"))} {
			cfg := Config{Secret: secret}
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected error for secret %q", secret)
			}
		}
	})

	t.Run("AddUser", func(t *testing.T) {
		svc := createService(t, nil)

		u, err := svc.AddUser("alice", "<b>Alice</b>")
		if err != nil {
			t.Fatalf("Failed to add user: %v", err)
		}
		if u.ID != "alice" || u.DisplayName != "Alice" {
			t.Errorf("unexpected user %+v", u)
		}

		if _, err := svc.AddUser("alice", "Other"); err != ErrUserExists {
			t.Errorf("Expected ErrUserExists, got %v", err)
		}
		if _, err := svc.AddUser("bad name", ""); !errors.Is(err, models.ErrKindInvalid) {
			t.Errorf("Expected invalid request, got %v", err)
		}
	})

	t.Run("IssueAndResolve", func(t *testing.T) {
		svc := createService(t, nil)
		if _, err := svc.AddUser("bob", "Bob"); err != nil {
			t.Fatal(err)
		}

		resp, err := svc.IssueToken("bob")
		if err != nil {
			t.Fatalf("IssueToken failed: %v", err)
		}
		if !resp.Success || resp.Token == "" {
			t.Fatalf("unexpected response %+v", resp)
		}
		if resp.TokenExpiry != 1700000000+3600 {
			t.Errorf("unexpected expiry %d", resp.TokenExpiry)
		}

		user, err := svc.Resolve(resp.Token)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if user.ID != "bob" {
			t.Errorf("expected bob, got %s", user.ID)
		}

		if _, err := svc.Resolve("garbage"); err != ErrUnauthorized {
			t.Errorf("expected ErrUnauthorized, got %v", err)
		}
		if _, err := svc.IssueToken("nobody"); !errors.Is(err, models.ErrKindNotFound) {
			t.Errorf("expected not found, got %v", err)
		}

		if err := svc.Logoff(resp.Token); err != nil {
			t.Fatalf("Logoff failed: %v", err)
		}
		if _, err := svc.Resolve(resp.Token); err != ErrUnauthorized {
			t.Errorf("expected ErrUnauthorized after logoff, got %v", err)
		}
	})

	t.Run("TokensAreHashedAndReloaded", func(t *testing.T) {
		backend := newMemBackend()
		svc := createService(t, backend)
		if _, err := svc.AddUser("carol", ""); err != nil {
			t.Fatal(err)
		}
		resp, err := svc.IssueToken("carol")
		if err != nil {
			t.Fatal(err)
		}
		if _, raw := backend.tokens[resp.Token]; raw {
			t.Error("raw token must not be stored")
		}

		restarted := createService(t, backend)
		if err := restarted.Load(); err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		user, err := restarted.Resolve(resp.Token)
		if err != nil {
			t.Fatalf("Resolve after reload failed: %v", err)
		}
		if user.DisplayName != "carol" {
			t.Errorf("expected default display name carol, got %s", user.DisplayName)
		}
	})
}
