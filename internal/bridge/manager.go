// Package bridge implements the account lifecycle of the mail bridge.
//
// Accounts move through a small state machine: logged out, authenticating,
// active, logging out. An active account has a remote credential on record
// and a locally generated bridge password whose bcrypt hash gates access
// through the local SMTP and IMAP front ends. The plaintext bridge password
// is handed out exactly once, at login.
package bridge

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/heilerich/probridge/internal/cache"
	"github.com/heilerich/probridge/internal/creds"
	"github.com/heilerich/probridge/internal/metrics"
)

var (
	// ErrInvalidCredentials is returned when a credential does not match,
	// either against the upstream backend or the bridge password hash.
	ErrInvalidCredentials = errors.New("bridge: invalid credentials")

	// ErrAccountNotActive is returned when an operation requires an active
	// account but the account is logged out or unknown.
	ErrAccountNotActive = errors.New("bridge: account not active")

	// ErrStateConflict is returned when a lifecycle operation overlaps with
	// another one already in progress for the same account.
	ErrStateConflict = errors.New("bridge: conflicting operation in progress")

	// ErrNoSuchAccount is returned when the named account does not exist.
	ErrNoSuchAccount = errors.New("bridge: no such account")

	// ErrNotLoggedOut is returned when removing an account that is still
	// active. It matches ErrStateConflict so callers can treat every
	// wrong-state removal uniformly.
	ErrNotLoggedOut = fmt.Errorf("%w: account must be logged out first", ErrStateConflict)
)

// State is the lifecycle state of an account.
type State int

const (
	StateLoggedOut State = iota
	StateAuthenticating
	StateActive
	StateLoggingOut
)

func (s State) String() string {
	switch s {
	case StateLoggedOut:
		return "logged-out"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateLoggingOut:
		return "logging-out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Verifier checks a credential against the upstream mail backend.
type Verifier interface {
	VerifyLogin(ctx context.Context, username, credential string) error
}

// Account is a snapshot of one account's lifecycle state.
type Account struct {
	Address   string
	State     State
	CreatedAt time.Time
}

type accountState struct {
	state     State
	createdAt time.Time
	sessions  map[io.Closer]struct{}
}

// Manager owns all account state transitions. Lifecycle operations on the
// same account are serialized; overlapping operations fail with
// ErrStateConflict rather than queue.
type Manager struct {
	store    *creds.Store
	cache    *cache.Cache
	verifier Verifier
	metrics  metrics.Collector
	logger   *slog.Logger

	mu       sync.Mutex
	accounts map[string]*accountState
}

// NewManager returns a Manager persisting credentials in store and local
// state in c.
func NewManager(store *creds.Store, c *cache.Cache, verifier Verifier, collector metrics.Collector, logger *slog.Logger) *Manager {
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		cache:    c,
		verifier: verifier,
		metrics:  collector,
		logger:   logger,
		accounts: make(map[string]*accountState),
	}
}

// Restore loads persisted accounts at startup. Accounts with a bridge
// password hash on record come back active; the rest come back logged out.
func (m *Manager) Restore(ctx context.Context) error {
	addresses, err := m.store.List()
	if err != nil {
		return fmt.Errorf("restoring accounts: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, address := range addresses {
		entry, err := m.store.Get(address)
		if err != nil {
			return fmt.Errorf("restoring account %q: %w", address, err)
		}

		state := StateLoggedOut
		if len(entry.BridgeHash) > 0 {
			state = StateActive
		}
		m.accounts[address] = &accountState{
			state:     state,
			createdAt: entry.CreatedAt,
			sessions:  make(map[io.Closer]struct{}),
		}
		m.logger.Info("restored account", "account", address, "state", state)
	}

	m.metrics.ActiveAccounts(m.activeCountLocked())
	return nil
}

// Login verifies the credential against the upstream backend and activates
// the account, returning the freshly generated plaintext bridge password.
// Only its bcrypt hash is retained; the plaintext is never stored and never
// returned again.
func (m *Manager) Login(ctx context.Context, address, username, credential string) (string, error) {
	if err := m.begin(address, StateLoggedOut, StateAuthenticating); err != nil {
		return "", err
	}

	if err := m.verifier.VerifyLogin(ctx, username, credential); err != nil {
		m.rollback(address, StateLoggedOut)
		if errors.Is(err, ErrInvalidCredentials) {
			return "", err
		}
		return "", fmt.Errorf("verifying login for %q: %w", address, err)
	}

	password, err := generateBridgePassword()
	if err != nil {
		m.rollback(address, StateLoggedOut)
		return "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		m.rollback(address, StateLoggedOut)
		return "", fmt.Errorf("hashing bridge password: %w", err)
	}

	entry := creds.Entry{
		Address:        address,
		RemoteUsername: username,
		RemoteSecret:   credential,
		BridgeHash:     hash,
		CreatedAt:      time.Now().UTC(),
	}
	if prev, err := m.store.Get(address); err == nil {
		entry.CreatedAt = prev.CreatedAt
	}
	if err := m.store.Put(entry); err != nil {
		m.rollback(address, StateLoggedOut)
		return "", fmt.Errorf("persisting account %q: %w", address, err)
	}

	m.mu.Lock()
	st := m.accounts[address]
	st.state = StateActive
	st.createdAt = entry.CreatedAt
	m.metrics.ActiveAccounts(m.activeCountLocked())
	m.mu.Unlock()

	m.logger.Info("account logged in", "account", address)
	return password, nil
}

// Logout deactivates an active account: live front-end sessions are closed
// and the bridge password hash is cleared. The remote credential stays on
// record so the account can log in again.
func (m *Manager) Logout(ctx context.Context, address string) error {
	if err := m.begin(address, StateActive, StateLoggingOut); err != nil {
		return err
	}

	m.closeSessions(address)

	if err := m.store.Invalidate(address); err != nil {
		m.rollback(address, StateActive)
		return fmt.Errorf("invalidating account %q: %w", address, err)
	}

	m.mu.Lock()
	m.accounts[address].state = StateLoggedOut
	m.metrics.ActiveAccounts(m.activeCountLocked())
	m.mu.Unlock()

	m.logger.Info("account logged out", "account", address)
	return nil
}

// Remove deletes a logged-out account's stored credentials and, when
// wipeCache is set, its local cache database.
func (m *Manager) Remove(ctx context.Context, address string, wipeCache bool) error {
	m.mu.Lock()
	st, ok := m.accounts[address]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSuchAccount, address)
	}
	if st.state != StateLoggedOut {
		state := st.state
		m.mu.Unlock()
		if state == StateActive {
			return fmt.Errorf("%w: %s", ErrNotLoggedOut, address)
		}
		return fmt.Errorf("%w: %s is %s", ErrStateConflict, address, state)
	}
	delete(m.accounts, address)
	m.mu.Unlock()

	if err := m.store.Delete(address); err != nil && !errors.Is(err, creds.ErrNotFound) {
		return fmt.Errorf("removing account %q: %w", address, err)
	}
	if wipeCache && m.cache != nil {
		if err := m.cache.Wipe(address); err != nil {
			return fmt.Errorf("wiping cache for %q: %w", address, err)
		}
	}

	m.logger.Info("account removed", "account", address, "cache_wiped", wipeCache)
	return nil
}

// Authenticate checks a bridge password presented to a local front end and
// returns the stored credential entry on success, so the front end can open
// the upstream session.
func (m *Manager) Authenticate(ctx context.Context, address, password string) (creds.Entry, error) {
	m.mu.Lock()
	st, ok := m.accounts[address]
	active := ok && st.state == StateActive
	m.mu.Unlock()

	if !active {
		return creds.Entry{}, fmt.Errorf("%w: %s", ErrAccountNotActive, address)
	}

	entry, err := m.store.Get(address)
	if err != nil {
		return creds.Entry{}, fmt.Errorf("loading account %q: %w", address, err)
	}
	if len(entry.BridgeHash) == 0 {
		return creds.Entry{}, fmt.Errorf("%w: %s", ErrAccountNotActive, address)
	}

	if err := bcrypt.CompareHashAndPassword(entry.BridgeHash, []byte(password)); err != nil {
		return creds.Entry{}, fmt.Errorf("%w: %s", ErrInvalidCredentials, address)
	}

	return entry, nil
}

// List returns a snapshot of all known accounts, active or not.
func (m *Manager) List() []Account {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Account, 0, len(m.accounts))
	for address, st := range m.accounts {
		out = append(out, Account{Address: address, State: st.state, CreatedAt: st.createdAt})
	}
	return out
}

// RegisterSession records a live front-end session for the account so that
// Logout can force it closed. The returned function deregisters the session
// and must be called when the connection ends. Registration fails when the
// account is no longer Active, so a session that authenticated just before
// a concurrent Logout cannot keep relaying with the retained credential.
func (m *Manager) RegisterSession(address string, c io.Closer) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.accounts[address]
	if !ok || st.state != StateActive {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotActive, address)
	}
	st.sessions[c] = struct{}{}

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if st, ok := m.accounts[address]; ok {
			delete(st.sessions, c)
		}
	}, nil
}

// begin transitions an account from `from` into the transient state `via`,
// creating the account record on first login.
func (m *Manager) begin(address string, from, via State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.accounts[address]
	if !ok {
		if from != StateLoggedOut {
			return fmt.Errorf("%w: %s", ErrNoSuchAccount, address)
		}
		st = &accountState{state: StateLoggedOut, sessions: make(map[io.Closer]struct{})}
		m.accounts[address] = st
	}

	if st.state != from {
		return fmt.Errorf("%w: %s is %s", ErrStateConflict, address, st.state)
	}
	st.state = via
	return nil
}

func (m *Manager) rollback(address string, to State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.accounts[address]; ok {
		st.state = to
	}
}

func (m *Manager) closeSessions(address string) {
	m.mu.Lock()
	var closers []io.Closer
	if st, ok := m.accounts[address]; ok {
		for c := range st.sessions {
			closers = append(closers, c)
		}
		st.sessions = make(map[io.Closer]struct{})
	}
	m.mu.Unlock()

	for _, c := range closers {
		if err := c.Close(); err != nil {
			m.logger.Warn("closing session", "account", address, "error", err)
		}
	}
}

func (m *Manager) activeCountLocked() int {
	n := 0
	for _, st := range m.accounts {
		if st.state == StateActive {
			n++
		}
	}
	return n
}

// generateBridgePassword produces the random password local mail clients
// use to authenticate against the bridge.
func generateBridgePassword() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating bridge password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
