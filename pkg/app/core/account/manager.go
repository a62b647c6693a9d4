package account

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/uhyunpark/stockledger/pkg/util"
)

// Repository is the durable side of the account registry.
// Load methods return (nil, nil) when the account does not exist.
type Repository interface {
	LoadAccount(id string) (*Account, error)
	LoadAccountByUsername(username string) (*Account, error)
	SaveAccount(acc *Account) error
}

// Config holds registry defaults resolved at boot
type Config struct {
	DefaultBalance decimal.Decimal // opening cash for new accounts
	HashCost       int             // bcrypt cost, 0 = bcrypt.DefaultCost
}

// entry owns one user's account. Its mutex is the per-user lock: every
// read-modify-write of balance and holdings happens while it is held.
type entry struct {
	mu  sync.Mutex
	acc *Account
}

// Manager is the in-memory account registry in front of the Repository.
// Accounts for different users are locked independently.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry // id -> entry (cache)

	registerMu sync.Mutex // keeps usernames unique

	repo  Repository
	cfg   Config
	clock util.Clock
	log   *zap.SugaredLogger
}

// NewManager creates a registry backed by repo
func NewManager(repo Repository, cfg Config, clock util.Clock, logger *zap.SugaredLogger) *Manager {
	if cfg.HashCost == 0 {
		cfg.HashCost = bcrypt.DefaultCost
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Manager{
		entries: make(map[string]*entry),
		repo:    repo,
		cfg:     cfg,
		clock:   clock,
		log:     logger,
	}
}

// Register creates a new account with the default opening balance
func (m *Manager) Register(username, password, email string, role Role) (*Account, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password are required", ErrInvalidAccount)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), m.cfg.HashCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	m.registerMu.Lock()
	defer m.registerMu.Unlock()

	existing, err := m.repo.LoadAccountByUsername(username)
	if err != nil {
		return nil, fmt.Errorf("failed to look up username: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrUserExists, username)
	}

	acc := &Account{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        strings.TrimSpace(email),
		PasswordHash: string(hash),
		Role:         role,
		Status:       StatusActive,
		CreatedAt:    m.clock.Now().UTC(),
		Balance:      m.cfg.DefaultBalance,
		Holdings:     make(map[string]int64),
	}
	if err := acc.Validate(); err != nil {
		return nil, err
	}
	if err := m.repo.SaveAccount(acc); err != nil {
		return nil, fmt.Errorf("failed to save account: %w", err)
	}

	m.mu.Lock()
	m.entries[acc.ID] = &entry{acc: acc}
	m.mu.Unlock()

	m.log.Infow("account_registered", "user_id", acc.ID, "username", username, "role", role.String())
	return acc.Clone(), nil
}

// Authenticate checks credentials. Banned accounts cannot log in; paused
// accounts can (they may read but not trade).
func (m *Manager) Authenticate(username, password string) (*Account, error) {
	acc, err := m.repo.LoadAccountByUsername(strings.TrimSpace(username))
	if err != nil {
		return nil, fmt.Errorf("failed to look up username: %w", err)
	}
	if acc == nil {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	// the cached copy is authoritative for status
	live, err := m.Get(acc.ID)
	if err != nil {
		return nil, err
	}
	if live.Status == StatusBanned {
		return nil, fmt.Errorf("%w: %s is banned", ErrUserSuspended, username)
	}
	return live, nil
}

// getEntry returns the cached entry for id, loading it from the repository on
// a miss. Unknown ids are not cached.
func (m *Manager) getEntry(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if ok {
		return e, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		return e, nil
	}

	acc, err := m.repo.LoadAccount(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", id, err)
	}
	if acc == nil {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	if acc.Holdings == nil {
		acc.Holdings = make(map[string]int64)
	}
	e = &entry{acc: acc}
	m.entries[id] = e
	return e, nil
}

// Get returns a snapshot of the account
func (m *Manager) Get(id string) (*Account, error) {
	e, err := m.getEntry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acc.Clone(), nil
}

// Exists reports whether id names a registered account
func (m *Manager) Exists(id string) bool {
	_, err := m.getEntry(id)
	return err == nil
}

// Update runs fn with the user's lock held. fn receives a clone; the clone
// replaces the live account only if fn returns nil, so a failing fn leaves
// no trace. fn is responsible for persisting the clone.
func (m *Manager) Update(id string, fn func(acc *Account) error) error {
	e, err := m.getEntry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.acc.Clone()
	if err := fn(next); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		// fn must validate before persisting; reaching here is a bug
		m.log.Errorw("account_invariant_violated", "user_id", id, "err", err)
		return err
	}
	e.acc = next
	return nil
}

// SetStatus changes an account's status flag (pause, ban, re-activate)
func (m *Manager) SetStatus(id string, status Status) (*Account, error) {
	var out *Account
	err := m.Update(id, func(acc *Account) error {
		acc.Status = status
		if err := m.repo.SaveAccount(acc); err != nil {
			return fmt.Errorf("failed to save account: %w", err)
		}
		out = acc.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Infow("account_status_changed", "user_id", id, "status", status.String())
	return out, nil
}

// Deposit credits cash to an account
func (m *Manager) Deposit(id string, amount decimal.Decimal) (*Account, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	var out *Account
	err := m.Update(id, func(acc *Account) error {
		acc.Balance = acc.Balance.Add(amount)
		if err := m.repo.SaveAccount(acc); err != nil {
			return fmt.Errorf("failed to save account: %w", err)
		}
		out = acc.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RequireAdmin returns ErrNotAdmin unless id is an active admin
func (m *Manager) RequireAdmin(id string) error {
	acc, err := m.Get(id)
	if err != nil {
		return err
	}
	if !acc.IsAdmin() || acc.Status != StatusActive {
		return fmt.Errorf("%w: %s", ErrNotAdmin, id)
	}
	return nil
}

// Count returns the number of cached accounts
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
