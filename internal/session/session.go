// Package session holds the bearer token used against the authority and
// lets a cashier unlock the agent offline with a previously used password.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"kasirinaja/offline/internal/domain"
	"kasirinaja/offline/internal/store"
)

var (
	ErrInvalidToken       = errors.New("invalid access token")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotRemembered      = errors.New("no offline credential stored for this user: sign in online first")
)

type tokenClaims struct {
	jwtlib.RegisteredClaims
	SellerID string `json:"sellerId"`
}

type credential struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"passwordHash"`
	SellerID     string    `json:"sellerId"`
	Token        string    `json:"token,omitempty"`
	SavedAt      time.Time `json:"savedAt"`
}

type Session struct {
	store store.LocalStore

	mu        sync.RWMutex
	token     string
	sellerID  string
	expiresAt time.Time
}

func New(ls store.LocalStore) *Session {
	return &Session{store: ls}
}

// SetToken installs a token obtained from an online sign-in. The signature
// is checked by the authority; here the claims are only read.
func (s *Session) SetToken(token string) error {
	token = strings.TrimSpace(token)
	claims := &tokenClaims{}
	if _, _, err := jwtlib.NewParser().ParseUnverified(token, claims); err != nil {
		return ErrInvalidToken
	}
	seller := claims.SellerID
	if seller == "" {
		seller, _ = claims.GetSubject()
	}
	if seller == "" {
		return ErrInvalidToken
	}
	var expires time.Time
	if claims.ExpiresAt != nil {
		expires = claims.ExpiresAt.Time
	}

	s.mu.Lock()
	s.token = token
	s.sellerID = seller
	s.expiresAt = expires
	s.mu.Unlock()
	return nil
}

func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) SellerID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sellerID
}

// Authenticated reports whether a token is present and not expired at now.
func (s *Session) Authenticated(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return false
	}
	return s.expiresAt.IsZero() || now.Before(s.expiresAt)
}

func (s *Session) Clear() {
	s.mu.Lock()
	s.token = ""
	s.sellerID = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()
}

// Remember stores a bcrypt hash of the password next to the current token so
// UnlockOffline can verify the same user later without the network.
func (s *Session) Remember(ctx context.Context, username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return ErrInvalidCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	s.mu.RLock()
	cred := credential{
		ID:           credentialID(username),
		Username:     username,
		PasswordHash: string(hash),
		SellerID:     s.sellerID,
		Token:        s.token,
		SavedAt:      time.Now().UTC(),
	}
	s.mu.RUnlock()

	body, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	err = s.store.Put(ctx, domain.KindSession, store.Doc{ID: cred.ID, Body: body})
	return store.Wrap("put", domain.KindSession, cred.ID, err)
}

// UnlockOffline restores the seller of a remembered user after checking the
// password against the stored hash. The restored token may be expired; it
// is replaced on the next online sign-in.
func (s *Session) UnlockOffline(ctx context.Context, username, password string) error {
	id := credentialID(strings.TrimSpace(username))
	raw, err := s.store.Get(ctx, domain.KindSession, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotRemembered
	}
	if err != nil {
		return store.Wrap("get", domain.KindSession, id, err)
	}
	var cred credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return &store.StorageError{Op: "decode", Kind: domain.KindSession, ID: id, Err: err}
	}
	if bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)) != nil {
		return ErrInvalidCredentials
	}

	if cred.Token != "" {
		if err := s.SetToken(cred.Token); err == nil {
			return nil
		}
	}
	s.mu.Lock()
	s.sellerID = cred.SellerID
	s.mu.Unlock()
	return nil
}

func credentialID(username string) string {
	return "credential_" + strings.ToLower(username)
}
