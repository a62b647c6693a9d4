package account_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/uhyunpark/stockledger/pkg/app/core/account"
	"github.com/uhyunpark/stockledger/pkg/storage"
)

// newTestManager creates a manager over an in-memory repository.
// Minimum bcrypt cost keeps the suite fast.
func newTestManager(t *testing.T) (*account.Manager, *storage.MemoryStore) {
	t.Helper()
	repo := storage.NewMemoryStore()
	m := account.NewManager(repo, account.Config{
		DefaultBalance: decimal.NewFromInt(10000),
		HashCost:       bcrypt.MinCost,
	}, nil, nil)
	return m, repo
}

// TestRegister tests account creation with the default balance
func TestRegister(t *testing.T) {
	m, repo := newTestManager(t)

	acc, err := m.Register("alice", "secret", "alice@example.com", account.RoleUser)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if acc.ID == "" {
		t.Fatal("expected generated id")
	}
	if !acc.Balance.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("balance = %s, want 10000", acc.Balance)
	}
	if acc.PasswordHash == "secret" {
		t.Error("password stored in clear text")
	}
	if acc.Status != account.StatusActive {
		t.Errorf("status = %s, want active", acc.Status)
	}

	stored, _ := repo.LoadAccount(acc.ID)
	if stored == nil || stored.Username != "alice" {
		t.Errorf("account not persisted: %+v", stored)
	}

	if _, err := m.Register("alice", "other", "", account.RoleUser); !errors.Is(err, account.ErrUserExists) {
		t.Errorf("duplicate username: got %v, want ErrUserExists", err)
	}
	if _, err := m.Register("", "x", "", account.RoleUser); !errors.Is(err, account.ErrInvalidAccount) {
		t.Errorf("empty username: got %v, want ErrInvalidAccount", err)
	}
}

// TestRegisterConcurrentSameUsername tests that only one registration wins
func TestRegisterConcurrentSameUsername(t *testing.T) {
	m, _ := newTestManager(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Register("bob", "pw", "", account.RoleUser); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
}

// TestAuthenticate tests login rules for each status
func TestAuthenticate(t *testing.T) {
	m, _ := newTestManager(t)
	acc, _ := m.Register("carol", "pw", "", account.RoleUser)

	if _, err := m.Authenticate("carol", "pw"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if _, err := m.Authenticate("carol", "wrong"); !errors.Is(err, account.ErrInvalidCredentials) {
		t.Errorf("wrong password: got %v", err)
	}
	if _, err := m.Authenticate("nobody", "pw"); !errors.Is(err, account.ErrUserNotFound) {
		t.Errorf("unknown user: got %v", err)
	}

	// paused users may still log in
	if _, err := m.SetStatus(acc.ID, account.StatusPaused); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Authenticate("carol", "pw"); err != nil {
		t.Errorf("paused login: got %v, want nil", err)
	}

	if _, err := m.SetStatus(acc.ID, account.StatusBanned); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Authenticate("carol", "pw"); !errors.Is(err, account.ErrUserSuspended) {
		t.Errorf("banned login: got %v, want ErrUserSuspended", err)
	}
}

// TestUpdateRollsBackOnError tests that a failing fn leaves no trace
func TestUpdateRollsBackOnError(t *testing.T) {
	m, _ := newTestManager(t)
	acc, _ := m.Register("dave", "pw", "", account.RoleUser)

	boom := errors.New("boom")
	err := m.Update(acc.ID, func(a *account.Account) error {
		a.Balance = decimal.Zero
		a.Holdings["ACME"] = 10
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}

	got, _ := m.Get(acc.ID)
	if !got.Balance.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("balance changed to %s", got.Balance)
	}
	if got.Holding("ACME") != 0 {
		t.Errorf("holding leaked: %d", got.Holding("ACME"))
	}
}

// TestManagerReloadsFromRepository tests a cold manager over existing data
func TestManagerReloadsFromRepository(t *testing.T) {
	m, repo := newTestManager(t)
	acc, _ := m.Register("erin", "pw", "", account.RoleUser)
	if _, err := m.Deposit(acc.ID, decimal.NewFromInt(5)); err != nil {
		t.Fatal(err)
	}

	cold := account.NewManager(repo, account.Config{HashCost: bcrypt.MinCost}, nil, nil)
	got, err := cold.Get(acc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Balance.Equal(decimal.NewFromInt(10005)) {
		t.Errorf("balance = %s, want 10005", got.Balance)
	}
	if _, err := cold.Get("missing"); !errors.Is(err, account.ErrUserNotFound) {
		t.Errorf("missing: got %v", err)
	}
	if cold.Exists("missing") {
		t.Error("Exists(missing) = true")
	}
}

// TestDeposit tests deposit validation
func TestDeposit(t *testing.T) {
	m, _ := newTestManager(t)
	acc, _ := m.Register("frank", "pw", "", account.RoleUser)

	if _, err := m.Deposit(acc.ID, decimal.NewFromInt(-100)); !errors.Is(err, account.ErrInvalidAmount) {
		t.Errorf("negative deposit: got %v", err)
	}
	got, err := m.Deposit(acc.ID, decimal.RequireFromString("0.50"))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Balance.Equal(decimal.RequireFromString("10000.50")) {
		t.Errorf("balance = %s", got.Balance)
	}
}

// TestRequireAdmin tests role and status checks
func TestRequireAdmin(t *testing.T) {
	m, _ := newTestManager(t)
	admin, _ := m.Register("root", "pw", "", account.RoleAdmin)
	user, _ := m.Register("user", "pw", "", account.RoleUser)

	if err := m.RequireAdmin(admin.ID); err != nil {
		t.Errorf("admin rejected: %v", err)
	}
	if err := m.RequireAdmin(user.ID); !errors.Is(err, account.ErrNotAdmin) {
		t.Errorf("user accepted as admin: %v", err)
	}
	m.SetStatus(admin.ID, account.StatusPaused)
	if err := m.RequireAdmin(admin.ID); !errors.Is(err, account.ErrNotAdmin) {
		t.Errorf("paused admin accepted: %v", err)
	}
}

// TestAddHolding tests zero-entry cleanup and the negative guard
func TestAddHolding(t *testing.T) {
	a := &account.Account{ID: "x"}
	if err := a.AddHolding("ACME", 3); err != nil {
		t.Fatal(err)
	}
	if err := a.AddHolding("ACME", -3); err != nil {
		t.Fatal(err)
	}
	if _, ok := a.Holdings["ACME"]; ok {
		t.Error("zero holding not removed")
	}
	if err := a.AddHolding("ACME", -1); !errors.Is(err, account.ErrInvalidAccount) {
		t.Errorf("negative holding: got %v", err)
	}
}

func TestParseRole(t *testing.T) {
	for in, want := range map[string]account.Role{"": account.RoleUser, "user": account.RoleUser, "ADMIN": account.RoleAdmin} {
		got, err := account.ParseRole(in)
		if err != nil || got != want {
			t.Errorf("ParseRole(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := account.ParseRole("root"); err == nil {
		t.Error("expected error for unknown role")
	}
}
