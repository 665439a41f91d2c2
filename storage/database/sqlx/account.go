package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/talimhub/talim/core/account"
)

type accountRepository struct {
	db *sqlx.DB
}

var _ account.Repository = (*accountRepository)(nil) // interface compliance check

func NewAccountRepository(db *sql.DB) account.Repository {
	return &accountRepository{db: sqlx.NewDb(db, "postgres")}
}

// accountRow mirrors the account table.
type accountRow struct {
	ID                string         `db:"id"`
	Name              string         `db:"name"`
	Username          string         `db:"username"`
	Email             string         `db:"email"`
	EnrollmentCode    string         `db:"enrollment_code"`
	Role              string         `db:"role"`
	ClassRoom         string         `db:"class_room"`
	PasswordHash      []byte         `db:"password_hash"`
	PasswordChangedAt time.Time      `db:"password_changed_at"`
	PasswordExpiresAt time.Time      `db:"password_expires_at"`
	FailedLogins      int            `db:"failed_logins"`
	LockedUntil       *time.Time     `db:"locked_until"`
	Blocked           bool           `db:"blocked"`
	TwoFactorEnabled  bool           `db:"two_factor_enabled"`
	TwoFactorSecret   string         `db:"two_factor_secret"`
	TokenVersion      int            `db:"token_version"`
	RefreshTokenHash  []byte         `db:"refresh_token_hash"`
	RefreshExpiresAt  *time.Time     `db:"refresh_expires_at"`
	LastLogin         sql.NullTime   `db:"last_login"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func (r accountRow) toAccount() account.Account {
	acct := account.Account{
		ID:                r.ID,
		Name:              r.Name,
		Username:          r.Username,
		Email:             r.Email,
		EnrollmentCode:    r.EnrollmentCode,
		Role:              r.Role,
		ClassRoom:         r.ClassRoom,
		PasswordHash:      r.PasswordHash,
		PasswordChangedAt: r.PasswordChangedAt,
		PasswordExpiresAt: r.PasswordExpiresAt,
		FailedLogins:      r.FailedLogins,
		LockedUntil:       r.LockedUntil,
		Blocked:           r.Blocked,
		TwoFactorEnabled:  r.TwoFactorEnabled,
		TwoFactorSecret:   r.TwoFactorSecret,
		TokenVersion:      r.TokenVersion,
		RefreshTokenHash:  r.RefreshTokenHash,
		RefreshExpiresAt:  r.RefreshExpiresAt,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.LastLogin.Valid {
		acct.LastLogin = r.LastLogin.Time
	}
	return acct
}

const accountColumns = `id, name, username, email, enrollment_code, role, class_room,
	password_hash, password_changed_at, password_expires_at,
	failed_logins, locked_until, blocked,
	two_factor_enabled, two_factor_secret,
	token_version, refresh_token_hash, refresh_expires_at,
	last_login, created_at, updated_at`

func (repo *accountRepository) CheckIdentifierUniqueness(ctx context.Context, username, email, enrollmentCode string, excluded ...account.Account) error {
	exclIDs := make([]string, 0, len(excluded))
	for _, acct := range excluded {
		exclIDs = append(exclIDs, acct.ID)
	}

	check := func(column, value string, dupErr error) error {
		if value == "" {
			return nil
		}
		query := `SELECT EXISTS (SELECT 1 FROM account WHERE ` + column + ` = ? AND id NOT IN (?))`
		args := []interface{}{value, exclIDs}
		if len(exclIDs) == 0 {
			query = `SELECT EXISTS (SELECT 1 FROM account WHERE ` + column + ` = ?)`
			args = args[:1]
		}
		query, inArgs, err := sqlx.In(query, args...)
		if err != nil {
			return errors.Wrap(err, "building uniqueness query")
		}
		var exists bool
		if err = repo.db.GetContext(ctx, &exists, repo.db.Rebind(query), inArgs...); err != nil {
			return errors.Wrap(err, "checking uniqueness")
		}
		if exists {
			return dupErr
		}
		return nil
	}

	if err := check("username", username, account.ErrUsernameExists); err != nil {
		return err
	}
	if err := check("email", email, account.ErrEmailExists); err != nil {
		return err
	}
	return check("enrollment_code", enrollmentCode, account.ErrEnrollmentCodeExists)
}

func (repo *accountRepository) CreateAccount(ctx context.Context, acct account.Account) (account.Account, error) {
	var row accountRow
	err := repo.db.QueryRowxContext(ctx, `
		INSERT INTO account (
			name, username, email, enrollment_code, role, class_room,
			password_hash, password_changed_at, password_expires_at,
			blocked, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+accountColumns,
		acct.Name, acct.Username, acct.Email, acct.EnrollmentCode, acct.Role, acct.ClassRoom,
		acct.PasswordHash, acct.PasswordChangedAt, acct.PasswordExpiresAt,
		acct.Blocked, acct.CreatedAt, acct.UpdatedAt,
	).StructScan(&row)
	if err != nil {
		return account.Account{}, errors.Wrap(err, "inserting account")
	}
	return row.toAccount(), nil
}

func (repo *accountRepository) GetAccount(ctx context.Context, filter account.GetFilter) (account.Account, error) {
	var (
		row accountRow
		err error
	)
	switch {
	case filter.ID != "":
		err = repo.db.GetContext(ctx, &row, `SELECT `+accountColumns+` FROM account WHERE id = $1`, filter.ID)
	case filter.Identifier != "":
		err = repo.db.GetContext(ctx, &row, `
			SELECT `+accountColumns+` FROM account
			WHERE enrollment_code = $1 OR username = $1 OR email = $1
			LIMIT 1`, filter.Identifier)
	default:
		return account.Account{}, account.ErrNotFound
	}
	if err != nil {
		if err == sql.ErrNoRows {
			return account.Account{}, account.ErrNotFound
		}
		return account.Account{}, errors.Wrap(err, "querying account")
	}
	return row.toAccount(), nil
}

// UpdateAccount writes the account's auth state in a single statement; the
// token version is only ever advanced in place, never set from the caller.
func (repo *accountRepository) UpdateAccount(ctx context.Context, acct account.Account, bumpVersion bool) (account.Account, error) {
	var lastLogin sql.NullTime
	if !acct.LastLogin.IsZero() {
		lastLogin = sql.NullTime{Time: acct.LastLogin, Valid: true}
	}

	bump := 0
	if bumpVersion {
		bump = 1
	}
	var row accountRow
	err := repo.db.QueryRowxContext(ctx, `
		UPDATE account SET
			name = $2, username = $3, email = $4, enrollment_code = $5, role = $6, class_room = $7,
			password_hash = $8, password_changed_at = $9, password_expires_at = $10,
			failed_logins = $11, locked_until = $12, blocked = $13,
			two_factor_enabled = $14, two_factor_secret = $15,
			token_version = token_version + $16,
			refresh_token_hash = $17, refresh_expires_at = $18,
			last_login = $19, updated_at = now()
		WHERE id = $1
		RETURNING `+accountColumns,
		acct.ID,
		acct.Name, acct.Username, acct.Email, acct.EnrollmentCode, acct.Role, acct.ClassRoom,
		acct.PasswordHash, acct.PasswordChangedAt, acct.PasswordExpiresAt,
		acct.FailedLogins, acct.LockedUntil, acct.Blocked,
		acct.TwoFactorEnabled, acct.TwoFactorSecret,
		bump,
		acct.RefreshTokenHash, acct.RefreshExpiresAt,
		lastLogin,
	).StructScan(&row)
	if err != nil {
		if err == sql.ErrNoRows {
			return account.Account{}, account.ErrNotFound
		}
		return account.Account{}, errors.Wrap(err, "updating account")
	}
	return row.toAccount(), nil
}

// RecordLoginFailure folds the lockout transition into one statement so that
// racing attempts can never lose an increment.
func (repo *accountRepository) RecordLoginFailure(ctx context.Context, id string, policy account.LockoutPolicy) (account.Account, error) {
	var row accountRow
	err := repo.db.QueryRowxContext(ctx, `
		UPDATE account SET
			failed_logins = CASE WHEN failed_logins + 1 >= $2 THEN 0 ELSE failed_logins + 1 END,
			locked_until  = CASE WHEN failed_logins + 1 >= $2 THEN now() + make_interval(secs => $3) ELSE locked_until END,
			updated_at = now()
		WHERE id = $1
		RETURNING `+accountColumns,
		id, policy.Limit, policy.Window.Seconds(),
	).StructScan(&row)
	if err != nil {
		if err == sql.ErrNoRows {
			return account.Account{}, account.ErrNotFound
		}
		return account.Account{}, errors.Wrap(err, "recording login failure")
	}
	return row.toAccount(), nil
}

func (repo *accountRepository) ReplaceBackupCodes(ctx context.Context, id string, codes []account.BackupCode) error {
	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = tx.ExecContext(ctx, `DELETE FROM account_backup_code WHERE account_id = $1`, id); err != nil {
		return errors.Wrap(err, "discarding backup codes")
	}
	for _, bc := range codes {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO account_backup_code (account_id, hash, created_at) VALUES ($1, $2, $3)`,
			id, bc.Hash, bc.CreatedAt,
		); err != nil {
			return errors.Wrap(err, "inserting backup code")
		}
	}
	return errors.Wrap(tx.Commit(), "committing backup codes")
}

// ConsumeBackupCode locks the account's unused codes for the duration of the
// scan so two concurrent attempts cannot both consume the same entry.
func (repo *accountRepository) ConsumeBackupCode(ctx context.Context, id string, match func(account.BackupCode) bool) (bool, error) {
	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	type codeRow struct {
		ID   string `db:"id"`
		Hash []byte `db:"hash"`
	}
	var rows []codeRow
	if err = tx.SelectContext(ctx, &rows, `
		SELECT id, hash FROM account_backup_code
		WHERE account_id = $1 AND NOT used
		ORDER BY created_at
		FOR UPDATE`, id,
	); err != nil {
		return false, errors.Wrap(err, "querying backup codes")
	}

	for _, row := range rows {
		if !match(account.BackupCode{ID: row.ID, AccountID: id, Hash: row.Hash}) {
			continue
		}
		if _, err = tx.ExecContext(ctx, `
			UPDATE account_backup_code SET used = true, used_at = now() WHERE id = $1`, row.ID,
		); err != nil {
			return false, errors.Wrap(err, "marking backup code used")
		}
		return true, errors.Wrap(tx.Commit(), "committing backup code use")
	}
	return false, errors.Wrap(tx.Commit(), "committing backup code scan")
}

func (repo *accountRepository) CreateResetToken(ctx context.Context, rt account.ResetToken) (account.ResetToken, error) {
	err := repo.db.QueryRowxContext(ctx, `
		INSERT INTO account_reset_token (token, account_id, expires_at)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`,
		rt.Token, rt.AccountID, rt.ExpiresAt,
	).Scan(&rt.ID, &rt.CreatedAt)
	if err != nil {
		return account.ResetToken{}, errors.Wrap(err, "inserting reset token")
	}
	return rt, nil
}

func (repo *accountRepository) GetResetToken(ctx context.Context, token string) (account.ResetToken, error) {
	var rt account.ResetToken
	err := repo.db.QueryRowxContext(ctx, `
		SELECT id, token, account_id, expires_at, created_at
		FROM account_reset_token WHERE token = $1`, token,
	).Scan(&rt.ID, &rt.Token, &rt.AccountID, &rt.ExpiresAt, &rt.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return account.ResetToken{}, account.ErrNotFound
		}
		return account.ResetToken{}, errors.Wrap(err, "querying reset token")
	}
	return rt, nil
}

func (repo *accountRepository) DeleteResetToken(ctx context.Context, id string) error {
	res, err := repo.db.ExecContext(ctx, `DELETE FROM account_reset_token WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "deleting reset token")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return account.ErrNotFound
	}
	return nil
}
