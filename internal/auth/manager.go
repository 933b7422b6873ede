// Palaver - Self-hosted Chat Service with Optimistic Message Delivery
// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palaver-chat/palaver

package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/palaver-chat/palaver/internal/kv"
	"github.com/palaver-chat/palaver/internal/logging"
	"github.com/palaver-chat/palaver/internal/models"
)

const userKeyPrefix = "user:"

var (
	// ErrUserExists is returned by SignUp for a taken username.
	ErrUserExists = errors.New("username already taken")
	// ErrInvalidCredentials is returned by SignIn for a wrong username
	// or password. The two cases are deliberately indistinguishable.
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrUserNotFound is returned when a referenced user is missing.
	ErrUserNotFound = errors.New("user not found")
)

// SessionListener is notified after a sign-in (user set) or sign-out
// (user nil).
type SessionListener func(user *models.User)

// storedUser is the persisted account record.
type storedUser struct {
	models.User
	PasswordHash []byte `json:"password_hash"`
}

// Manager is the account registry and session authority. Accounts live
// in the key-value store; sessions are stateless JWTs that expire on
// their own.
type Manager struct {
	store kv.Store
	jwt   *JWTManager

	mu        sync.Mutex
	listeners map[int]SessionListener
	nextID    int
}

// NewManager creates an account manager over store.
func NewManager(store kv.Store, jwt *JWTManager) *Manager {
	return &Manager{
		store:     store,
		jwt:       jwt,
		listeners: make(map[int]SessionListener),
	}
}

func userKey(username string) string {
	return userKeyPrefix + strings.ToLower(username)
}

func validUsername(username string) bool {
	if len(username) < 3 || len(username) > 32 {
		return false
	}
	for _, r := range username {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// SignUp creates an account and returns the signed-in user with a
// session token.
func (m *Manager) SignUp(username, displayName, password string) (*models.User, string, error) {
	if !validUsername(username) {
		return nil, "", fmt.Errorf("username must be 3-32 characters of letters, digits, _ or -")
	}
	if len(password) < 8 {
		return nil, "", fmt.Errorf("password must be at least 8 characters")
	}
	if displayName == "" {
		displayName = username
	}

	if _, err := m.store.Get(userKey(username)); err == nil {
		return nil, "", ErrUserExists
	} else if !errors.Is(err, kv.ErrKeyNotFound) {
		return nil, "", fmt.Errorf("check username: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash password: %w", err)
	}

	user := storedUser{
		User: models.User{
			ID:          uuid.New().String(),
			Username:    username,
			DisplayName: displayName,
			CreatedAt:   time.Now().UTC(),
		},
		PasswordHash: hash,
	}
	data, err := json.Marshal(&user)
	if err != nil {
		return nil, "", fmt.Errorf("encode user: %w", err)
	}
	if err := m.store.Set(userKey(username), data); err != nil {
		return nil, "", fmt.Errorf("store user: %w", err)
	}

	token, err := m.jwt.GenerateToken(user.ID, user.Username)
	if err != nil {
		return nil, "", err
	}

	logging.Info().Str("username", username).Msg("Account created")
	u := user.User
	m.notify(&u)
	return &u, token, nil
}

// SignIn verifies credentials and returns the user with a session
// token.
func (m *Manager) SignIn(username, password string) (*models.User, string, error) {
	data, err := m.store.Get(userKey(username))
	if errors.Is(err, kv.ErrKeyNotFound) {
		// Burn comparable time so absent users are not detectable by
		// response latency.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, "", ErrInvalidCredentials
	}
	if err != nil {
		return nil, "", fmt.Errorf("load user: %w", err)
	}

	var user storedUser
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, "", fmt.Errorf("decode user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		return nil, "", ErrInvalidCredentials
	}

	token, err := m.jwt.GenerateToken(user.ID, user.Username)
	if err != nil {
		return nil, "", err
	}

	u := user.User
	m.notify(&u)
	return &u, token, nil
}

// dummyHash is a bcrypt hash of an unguessable value, used to equalize
// SignIn timing for unknown usernames.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.DefaultCost)

// SignOut ends the session from the caller's perspective and notifies
// listeners so local state tied to the session is dropped. Tokens are
// stateless and lapse on their own expiry.
func (m *Manager) SignOut(username string) {
	logging.Info().Str("username", username).Msg("Signed out")
	m.notify(nil)
}

// CurrentUser resolves a session token to its account.
func (m *Manager) CurrentUser(token string) (*models.User, error) {
	claims, err := m.jwt.ValidateToken(token)
	if err != nil {
		return nil, err
	}

	data, err := m.store.Get(userKey(claims.Username))
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	var user storedUser
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	u := user.User
	return &u, nil
}

// Lookup returns the account for a username.
func (m *Manager) Lookup(username string) (*models.User, error) {
	data, err := m.store.Get(userKey(username))
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	var user storedUser
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	u := user.User
	return &u, nil
}

// Users lists all accounts, without credentials.
func (m *Manager) Users() ([]models.User, error) {
	keys, err := m.store.Keys(userKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	users := make([]models.User, 0, len(keys))
	for _, key := range keys {
		data, err := m.store.Get(key)
		if err != nil {
			continue
		}
		var user storedUser
		if err := json.Unmarshal(data, &user); err != nil {
			continue
		}
		users = append(users, user.User)
	}
	return users, nil
}

// OnSessionChange registers a listener for sign-in and sign-out events.
// The returned function removes the listener and is safe to call more
// than once.
func (m *Manager) OnSessionChange(listener SessionListener) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = listener
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

func (m *Manager) notify(user *models.User) {
	m.mu.Lock()
	listeners := make([]SessionListener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	for _, l := range listeners {
		l(user)
	}
}
