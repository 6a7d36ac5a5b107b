package capital

import (
	"sort"
	"sync"
	"time"

	"zerodha-oms/internal/errors"
	"zerodha-oms/internal/models"
)

// Book is the registry of capital accounts, one per user.
type Book struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	now      func() time.Time
}

// NewBook creates an empty book.
func NewBook(now func() time.Time) *Book {
	if now == nil {
		now = time.Now
	}
	return &Book{accounts: make(map[string]*Account), now: now}
}

// Open creates the account for userID. An existing account is returned as is
// with created=false.
func (b *Book) Open(userID string, opening float64, tradeDate time.Time, th Thresholds) (acct *Account, created bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if a, ok := b.accounts[userID]; ok {
		return a, false
	}
	a := NewAccount(userID, opening, tradeDate, th, b.now)
	b.accounts[userID] = a
	return a, true
}

// Get returns the account for userID.
func (b *Book) Get(userID string) (*Account, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.accounts[userID]
	if !ok {
		return nil, errors.Wrapf(errors.ErrUnknownUser, "capital account %s", userID)
	}
	return a, nil
}

// Users returns the user IDs with an account, sorted.
func (b *Book) Users() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	users := make([]string, 0, len(b.accounts))
	for id := range b.accounts {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

// Snapshots returns a snapshot of every account, sorted by user.
func (b *Book) Snapshots() []models.CapitalSnapshot {
	users := b.Users()
	out := make([]models.CapitalSnapshot, 0, len(users))
	for _, id := range users {
		if a, err := b.Get(id); err == nil {
			out = append(out, a.Snapshot())
		}
	}
	return out
}

// Restore rebuilds accounts by replaying journaled events in order.
func (b *Book) Restore(events []models.CapitalEvent, thresholds func(userID string) Thresholds) error {
	for _, ev := range events {
		b.mu.Lock()
		a, ok := b.accounts[ev.UserID]
		if !ok {
			a = NewAccount(ev.UserID, 0, ev.Snapshot.TradeDate, thresholds(ev.UserID), b.now)
			b.accounts[ev.UserID] = a
		}
		b.mu.Unlock()
		if err := a.Apply(ev); err != nil {
			return err
		}
	}
	return nil
}
