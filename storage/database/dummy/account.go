package dummydb

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/talimhub/talim/core/account"
)

type accountRepository struct {
	db *DB
}

var _ account.Repository = (*accountRepository)(nil) // interface compliance check

func NewAccountRepository(db *DB) account.Repository {
	return &accountRepository{db: db}
}

func (repo *accountRepository) CheckIdentifierUniqueness(_ context.Context, username, email, enrollmentCode string, excluded ...account.Account) error {
	repo.db.RLock()
	defer repo.db.RUnlock()

	for _, acct := range repo.db.accounts {
		if isExcluded(*acct, excluded) {
			continue
		}
		if username != "" && acct.Username == username {
			return account.ErrUsernameExists
		}
		if email != "" && acct.Email == email {
			return account.ErrEmailExists
		}
		if enrollmentCode != "" && acct.EnrollmentCode == enrollmentCode {
			return account.ErrEnrollmentCodeExists
		}
	}
	return nil
}

func isExcluded(acct account.Account, excluded []account.Account) bool {
	for _, ex := range excluded {
		if acct.ID == ex.ID {
			return true
		}
	}
	return false
}

func (repo *accountRepository) CreateAccount(_ context.Context, acct account.Account) (account.Account, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	repo.db.accounts[acct.ID] = &acct
	return acct, nil
}

func (repo *accountRepository) GetAccount(_ context.Context, filter account.GetFilter) (account.Account, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if filter.ID != "" {
		if acct, ok := repo.db.accounts[filter.ID]; ok {
			return *acct, nil
		}
		return account.Account{}, account.ErrNotFound
	}
	if filter.Identifier != "" {
		for _, acct := range repo.db.accounts {
			if matchesIdentifier(*acct, filter.Identifier) {
				return *acct, nil
			}
		}
	}
	return account.Account{}, account.ErrNotFound
}

func matchesIdentifier(acct account.Account, identifier string) bool {
	if identifier == "" {
		return false
	}
	return acct.EnrollmentCode == identifier || acct.Username == identifier || acct.Email == identifier
}

func (repo *accountRepository) UpdateAccount(_ context.Context, acct account.Account, bumpVersion bool) (account.Account, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	stored, ok := repo.db.accounts[acct.ID]
	if !ok {
		return account.Account{}, account.ErrNotFound
	}

	// the token version only moves through the bump flag; callers can never
	// write an arbitrary version
	acct.TokenVersion = stored.TokenVersion
	if bumpVersion {
		acct.TokenVersion++
	}
	acct.UpdatedAt = time.Now().UTC()
	repo.db.accounts[acct.ID] = &acct
	return acct, nil
}

func (repo *accountRepository) RecordLoginFailure(_ context.Context, id string, policy account.LockoutPolicy) (account.Account, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	stored, ok := repo.db.accounts[id]
	if !ok {
		return account.Account{}, account.ErrNotFound
	}

	now := time.Now().UTC()
	stored.FailedLogins, stored.LockedUntil = policy.Apply(stored.FailedLogins, now)
	stored.UpdatedAt = now
	return *stored, nil
}

func (repo *accountRepository) ReplaceBackupCodes(_ context.Context, id string, codes []account.BackupCode) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	if _, ok := repo.db.accounts[id]; !ok {
		return account.ErrNotFound
	}

	replacement := make([]*account.BackupCode, 0, len(codes))
	for _, bc := range codes {
		bc := bc
		if bc.ID == "" {
			bc.ID = uuid.NewString()
		}
		bc.AccountID = id
		replacement = append(replacement, &bc)
	}
	repo.db.backupCodes[id] = replacement
	return nil
}

func (repo *accountRepository) ConsumeBackupCode(_ context.Context, id string, match func(account.BackupCode) bool) (bool, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	for _, bc := range repo.db.backupCodes[id] {
		if bc.Used {
			continue
		}
		if match(*bc) {
			now := time.Now().UTC()
			bc.Used = true
			bc.UsedAt = &now
			return true, nil
		}
	}
	return false, nil
}

func (repo *accountRepository) CreateResetToken(_ context.Context, rt account.ResetToken) (account.ResetToken, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if rt.ID == "" {
		rt.ID = uuid.NewString()
	}
	rt.CreatedAt = time.Now().UTC()
	repo.db.resetTokens[rt.Token] = &rt
	return rt, nil
}

func (repo *accountRepository) GetResetToken(_ context.Context, token string) (account.ResetToken, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if rt, ok := repo.db.resetTokens[token]; ok {
		return *rt, nil
	}
	return account.ResetToken{}, account.ErrNotFound
}

func (repo *accountRepository) DeleteResetToken(_ context.Context, id string) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	for token, rt := range repo.db.resetTokens {
		if rt.ID == id {
			delete(repo.db.resetTokens, token)
			return nil
		}
	}
	return account.ErrNotFound
}
