package account

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserSuspended      = errors.New("user suspended")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrNotAdmin           = errors.New("admin role required")
	ErrInvalidAccount     = errors.New("invalid account")
	ErrInvalidAmount      = errors.New("amount must be positive")
)

// Role is resolved once at the API boundary; the core never sees raw strings
type Role int8

const (
	RoleUser Role = iota
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// ParseRole maps a request value to a Role. Empty means the default user role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "user":
		return RoleUser, nil
	case "admin":
		return RoleAdmin, nil
	default:
		return RoleUser, fmt.Errorf("%w: unknown role %q", ErrInvalidAccount, s)
	}
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Role) UnmarshalText(b []byte) error {
	v, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Status flags an account; accounts are never deleted
type Status int8

const (
	StatusActive Status = iota
	StatusPaused
	StatusBanned
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusPaused:
		return "paused"
	case StatusBanned:
		return "banned"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "active":
		*s = StatusActive
	case "paused":
		*s = StatusPaused
	case "banned":
		*s = StatusBanned
	default:
		return fmt.Errorf("unknown status %q", string(b))
	}
	return nil
}

// Account is a user's cash balance and holdings.
// Only the Manager hands out live accounts; everything else gets clones.
type Account struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"passwordHash"`
	Role         Role      `json:"role"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`

	Balance  decimal.Decimal  `json:"balance"`  // cash, never negative
	Holdings map[string]int64 `json:"holdings"` // instrument -> quantity, zero entries removed

	// Nonce counts filled orders; it orders the account's history
	Nonce uint64 `json:"nonce"`
}

// Clone returns a deep copy
func (a *Account) Clone() *Account {
	c := *a
	c.Holdings = make(map[string]int64, len(a.Holdings))
	for k, v := range a.Holdings {
		c.Holdings[k] = v
	}
	return &c
}

// Holding returns the held quantity of an instrument (0 if none)
func (a *Account) Holding(instrumentID string) int64 {
	return a.Holdings[instrumentID]
}

// AddHolding adjusts a holding by delta and drops entries that reach zero.
// It refuses to go negative.
func (a *Account) AddHolding(instrumentID string, delta int64) error {
	if a.Holdings == nil {
		a.Holdings = make(map[string]int64)
	}
	n := a.Holdings[instrumentID] + delta
	if n < 0 {
		return fmt.Errorf("%w: holding %s would be %d", ErrInvalidAccount, instrumentID, n)
	}
	if n == 0 {
		delete(a.Holdings, instrumentID)
		return nil
	}
	a.Holdings[instrumentID] = n
	return nil
}

// IsSuspended reports whether the account may not trade
func (a *Account) IsSuspended() bool {
	return a.Status == StatusPaused || a.Status == StatusBanned
}

// IsAdmin reports whether the account holds the admin role
func (a *Account) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// Validate checks account invariants
func (a *Account) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidAccount)
	}
	if a.Balance.IsNegative() {
		return fmt.Errorf("%w: negative balance %s", ErrInvalidAccount, a.Balance)
	}
	for sym, qty := range a.Holdings {
		if qty < 0 {
			return fmt.Errorf("%w: negative holding %s=%d", ErrInvalidAccount, sym, qty)
		}
	}
	return nil
}
