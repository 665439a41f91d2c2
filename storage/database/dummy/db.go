package dummydb

import (
	"sync"

	"github.com/talimhub/talim/core/account"
)

// DB is an in-memory database used in tests and local development. A single
// lock guards all tables so that multi-table operations (account + backup
// codes) stay atomic, mirroring the single-row transaction guarantees of the
// SQL repository.
type DB struct {
	sync.RWMutex
	accounts    map[string]*account.Account      // by ID
	backupCodes map[string][]*account.BackupCode // by account ID
	resetTokens map[string]*account.ResetToken   // by token value
}

func Open() (*DB, error) {
	db := &DB{
		accounts:    make(map[string]*account.Account),
		backupCodes: make(map[string][]*account.BackupCode),
		resetTokens: make(map[string]*account.ResetToken),
	}
	return db, nil
}
