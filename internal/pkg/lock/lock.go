// Package lock provides per-account locking for compound ledger
// operations. The chat dispatch layer delivers events concurrently, so
// every balance-moving operation serializes on the accounts it touches.
package lock

import (
	"sync"
)

// accountMutex wraps a mutex stored in the lock map.
type accountMutex struct {
	mu sync.Mutex
}

// AccountLock provides per-account mutual exclusion. Operations that
// span two accounts acquire both locks in ascending id order so that
// concurrent pair operations cannot deadlock.
type AccountLock struct {
	locks sync.Map // map[int64]*accountMutex
	pool  sync.Pool
}

// NewAccountLock creates a new AccountLock instance.
func NewAccountLock() *AccountLock {
	return &AccountLock{
		pool: sync.Pool{
			New: func() any {
				return &accountMutex{}
			},
		},
	}
}

// getLock retrieves or creates the mutex for the given account id.
func (al *AccountLock) getLock(accountID int64) *accountMutex {
	if v, ok := al.locks.Load(accountID); ok {
		return v.(*accountMutex)
	}

	newLock := al.pool.Get().(*accountMutex)
	actual, loaded := al.locks.LoadOrStore(accountID, newLock)
	if loaded {
		// Another goroutine created the lock first, return ours to pool.
		al.pool.Put(newLock)
	}
	return actual.(*accountMutex)
}

// Lock acquires the lock for one account.
func (al *AccountLock) Lock(accountID int64) {
	al.getLock(accountID).mu.Lock()
}

// Unlock releases the lock for one account.
func (al *AccountLock) Unlock(accountID int64) {
	if v, ok := al.locks.Load(accountID); ok {
		v.(*accountMutex).mu.Unlock()
	}
}

// TryLock attempts to acquire the lock without blocking.
func (al *AccountLock) TryLock(accountID int64) bool {
	return al.getLock(accountID).mu.TryLock()
}

// LockPair acquires locks for two accounts in ascending id order.
// Equal ids degrade to a single lock.
func (al *AccountLock) LockPair(a, b int64) {
	if a == b {
		al.Lock(a)
		return
	}
	if a > b {
		a, b = b, a
	}
	al.Lock(a)
	al.Lock(b)
}

// UnlockPair releases locks acquired by LockPair.
func (al *AccountLock) UnlockPair(a, b int64) {
	if a == b {
		al.Unlock(a)
		return
	}
	al.Unlock(a)
	al.Unlock(b)
}

// WithLock executes fn while holding one account's lock.
func (al *AccountLock) WithLock(accountID int64, fn func() error) error {
	al.Lock(accountID)
	defer al.Unlock(accountID)
	return fn()
}

// WithPair executes fn while holding both accounts' locks.
func (al *AccountLock) WithPair(a, b int64, fn func() error) error {
	al.LockPair(a, b)
	defer al.UnlockPair(a, b)
	return fn()
}
