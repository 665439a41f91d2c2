package account

import (
	"context"
	"crypto/hmac"
	"time"

	"github.com/pkg/errors"

	"github.com/talimhub/talim/core"
)

var (
	// errors
	ErrNotFound             = errors.New("account not found")
	ErrUsernameExists       = errors.New("an account with this username already exists")
	ErrEmailExists          = errors.New("an account with this email already exists")
	ErrEnrollmentCodeExists = errors.New("an account with this enrollment code already exists")

	ErrAccountBlocked       = errors.New("account blocked")
	ErrAccountLocked        = errors.New("account locked")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrPasswordExpired      = errors.New("password expired")
	ErrInvalidTwoFactorCode = errors.New("invalid two-factor code")
	ErrInvalidBackupCode    = errors.New("invalid backup code")
	ErrInvalidRefreshToken  = errors.New("invalid refresh token")
	ErrInvalidAccessToken   = errors.New("invalid access token")
	ErrResetTokenInvalid    = errors.New("invalid reset token")
	ErrResetTokenExpired    = errors.New("reset token expired")

	ErrTwoFactorAlreadyEnabled = errors.New("two-factor authentication is already enabled")
	ErrTwoFactorNotEnabled     = errors.New("two-factor authentication is not enabled")

	nowFunc = time.Now // mockable
)

type (
	GetFilter struct {
		ID         string
		Identifier string // matches enrollment code, username or email
	}

	// Repository persists accounts, their backup codes and outstanding reset
	// tokens. Every mutating method is a single atomic read-modify-write
	// against the account row: concurrent login attempts must not lose a
	// failed-login increment nor both consume the same backup code.
	Repository interface {
		CheckIdentifierUniqueness(ctx context.Context, username, email, enrollmentCode string, excluded ...Account) error
		CreateAccount(ctx context.Context, acct Account) (Account, error)
		GetAccount(ctx context.Context, filter GetFilter) (Account, error)
		// UpdateAccount persists acct's auth state in one row write. When
		// bumpVersion is set, the stored token version is incremented as part
		// of the same write; the returned Account carries the new version.
		UpdateAccount(ctx context.Context, acct Account, bumpVersion bool) (Account, error)
		// RecordLoginFailure increments the failed-login counter and, when the
		// policy limit is reached, enters the locked state (counter reset to 0,
		// locked-until = now + window). Counter bump and lock transition are
		// one atomic operation.
		RecordLoginFailure(ctx context.Context, id string, policy LockoutPolicy) (Account, error)

		ReplaceBackupCodes(ctx context.Context, id string, codes []BackupCode) error
		// ConsumeBackupCode runs match over the account's unused codes and
		// marks the first match used. Scan-and-mark is one atomic unit; two
		// concurrent calls can never both consume the same code.
		ConsumeBackupCode(ctx context.Context, id string, match func(BackupCode) bool) (bool, error)

		CreateResetToken(ctx context.Context, rt ResetToken) (ResetToken, error)
		GetResetToken(ctx context.Context, token string) (ResetToken, error)
		DeleteResetToken(ctx context.Context, id string) error
	}

	Service interface {
		Create(ctx context.Context, na NewAccount) (Account, error)
		GetByID(ctx context.Context, id string) (Account, error)
		GetByIdentifier(ctx context.Context, identifier string) (Account, error)

		Login(ctx context.Context, creds Credentials) (LoginResult, error)
		Refresh(ctx context.Context, refreshToken string) (string, error)
		Logout(ctx context.Context, accountID string) error
		VerifyAccess(ctx context.Context, accessToken string) (Account, *Claims, error)

		RequestPasswordReset(ctx context.Context, identifier string) error
		ResetPassword(ctx context.Context, rp ResetAccountPassword) error
		SetPassword(ctx context.Context, accountID, pwd string) error
		ClearLockout(ctx context.Context, identifier string) error

		EnrollTwoFactor(ctx context.Context, accountID string) (TwoFactorEnrollment, error)
		ConfirmTwoFactor(ctx context.Context, accountID, code, pendingSecret string) ([]string, error)
		DisableTwoFactor(ctx context.Context, accountID, currentPassword string) error
	}

	service struct {
		repo    Repository
		mailSvc core.EmailService
		logger  core.Logger
		hasher  Hasher
		tokens  *TokenIssuer
		lockout LockoutPolicy
	}
)

var _ Service = (*service)(nil)

func NewService(repo Repository, mailSvc core.EmailService, logger core.Logger) Service {
	return &service{
		repo:    repo,
		mailSvc: mailSvc,
		logger:  logger,
		hasher:  NewHasher(core.Conf.Auth.BcryptCost),
		tokens:  NewTokenIssuer(core.Conf),
		lockout: NewLockoutPolicy(core.Conf),
	}
}

func (svc *service) Create(ctx context.Context, na NewAccount) (Account, error) {
	if err := svc.checkUniqueness(ctx, na.Username, na.Email, na.EnrollmentCode); err != nil {
		return Account{}, err
	}

	now := nowFunc().UTC()
	acct := Account{
		Name:           na.Name,
		Username:       na.Username,
		Email:          na.Email,
		EnrollmentCode: na.EnrollmentCode,
		Role:           na.Role,
		ClassRoom:      na.ClassRoom,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := acct.SetPassword(svc.hasher, na.Password); err != nil {
		return Account{}, err
	}
	return svc.repo.CreateAccount(ctx, acct)
}

func (svc *service) checkUniqueness(ctx context.Context, uname, email, code string, excl ...Account) error {
	if err := svc.repo.CheckIdentifierUniqueness(ctx, uname, email, code, excl...); err != nil {
		var field string
		switch errors.Cause(err) {
		case ErrUsernameExists:
			field = "username"
		case ErrEmailExists:
			field = "email"
		case ErrEnrollmentCodeExists:
			field = "enrollment_code"
		default:
			return err
		}
		return core.NewValidationError(err, core.FieldError{Field: field, Error: err.Error()})
	}
	return nil
}

func (svc *service) GetByID(ctx context.Context, id string) (Account, error) {
	return svc.repo.GetAccount(ctx, GetFilter{ID: id})
}

func (svc *service) GetByIdentifier(ctx context.Context, identifier string) (Account, error) {
	return svc.repo.GetAccount(ctx, GetFilter{Identifier: core.CleanString(identifier, true /* lower */)})
}

// Login runs the end-to-end authentication state machine:
// CheckingCredentials -> (LockedOut | Blocked | PasswordExpired | NeedsTwoFactor | Authenticated).
func (svc *service) Login(ctx context.Context, creds Credentials) (LoginResult, error) {
	acct, err := svc.GetByIdentifier(ctx, creds.Identifier)
	if err != nil {
		return LoginResult{}, err
	}

	now := nowFunc().UTC()
	if acct.Blocked {
		return LoginResult{}, ErrAccountBlocked
	}
	if acct.Locked(now) {
		// lock is a flat window; attempts during it do not bump the counter
		return LoginResult{}, ErrAccountLocked
	}

	if err = acct.CheckPassword(creds.Password); err != nil {
		if _, ferr := svc.repo.RecordLoginFailure(ctx, acct.ID, svc.lockout); ferr != nil {
			// the counter write is best-effort context; it must not mask the
			// authentication failure itself
			svc.logger.Error("recording login failure", errors.Wrap(ferr, "recording login failure"))
		}
		return LoginResult{}, ErrInvalidCredentials
	}

	// a successful credential check clears any lockout state
	if acct.FailedLogins != 0 || acct.LockedUntil != nil {
		acct.FailedLogins = 0
		acct.LockedUntil = nil
		if acct, err = svc.repo.UpdateAccount(ctx, acct, false); err != nil {
			return LoginResult{}, errors.Wrap(err, "clearing lockout state")
		}
	}

	if acct.Blocked { // re-check on the fresh row
		return LoginResult{}, ErrAccountBlocked
	}
	if acct.PasswordExpired(now) {
		return LoginResult{}, ErrPasswordExpired
	}

	if acct.TwoFactorEnabled {
		switch {
		case creds.TwoFactorCode != "":
			if !validTOTP(acct.TwoFactorSecret, creds.TwoFactorCode, now) {
				return LoginResult{}, ErrInvalidTwoFactorCode
			}
		case creds.BackupCode != "":
			ok, err := svc.repo.ConsumeBackupCode(ctx, acct.ID, func(bc BackupCode) bool {
				return svc.hasher.Verify(creds.BackupCode, bc.Hash)
			})
			if err != nil {
				return LoginResult{}, errors.Wrap(err, "consuming backup code")
			}
			if !ok {
				return LoginResult{}, ErrInvalidBackupCode
			}
		default:
			return LoginResult{NeedsTwoFactor: true}, nil
		}
	}

	return svc.issueTokens(ctx, acct)
}

// issueTokens mints the access/refresh pair and persists the refresh hash,
// its expiry and the login timestamp on the account.
func (svc *service) issueTokens(ctx context.Context, acct Account) (LoginResult, error) {
	access, err := svc.tokens.AccessToken(acct)
	if err != nil {
		return LoginResult{}, errors.Wrap(err, "minting access token")
	}
	refresh, refreshExp, err := svc.tokens.RefreshToken(acct)
	if err != nil {
		return LoginResult{}, errors.Wrap(err, "minting refresh token")
	}

	// issuing a new refresh token invalidates the prior one by overwrite
	acct.RefreshTokenHash = HashRefreshToken(refresh)
	acct.RefreshExpiresAt = &refreshExp
	acct.LastLogin = nowFunc().UTC()
	acct, err = svc.repo.UpdateAccount(ctx, acct, false)
	if err != nil {
		return LoginResult{}, errors.Wrap(err, "persisting session state")
	}

	return LoginResult{
		AccessToken:  access,
		RefreshToken: refresh,
		Account:      acct,
	}, nil
}

// Refresh exchanges a valid refresh token for a new access token. The refresh
// token itself is not rotated; it stays bound to the login session until
// logout. Every failure mode collapses to ErrInvalidRefreshToken so callers
// cannot probe which check failed.
func (svc *service) Refresh(ctx context.Context, refreshToken string) (string, error) {
	claims, err := svc.tokens.Parse(refreshToken, TokenTypeRefresh)
	if err != nil {
		return "", ErrInvalidRefreshToken
	}

	// token-version equality demands a fresh read; a stale cache would defeat
	// the instant-logout guarantee
	acct, err := svc.repo.GetAccount(ctx, GetFilter{ID: claims.Subject})
	if err != nil {
		return "", ErrInvalidRefreshToken
	}
	if claims.TokenVersion != acct.TokenVersion {
		return "", ErrInvalidRefreshToken
	}
	if len(acct.RefreshTokenHash) == 0 || !hmac.Equal(HashRefreshToken(refreshToken), acct.RefreshTokenHash) {
		return "", ErrInvalidRefreshToken
	}
	if acct.RefreshExpiresAt == nil || nowFunc().UTC().After(*acct.RefreshExpiresAt) {
		return "", ErrInvalidRefreshToken
	}
	if acct.Blocked {
		return "", ErrAccountBlocked
	}

	access, err := svc.tokens.AccessToken(acct)
	return access, errors.Wrap(err, "minting access token")
}

// Logout bumps the token version, invalidating every outstanding access and
// refresh token for the account, and clears the stored refresh token.
func (svc *service) Logout(ctx context.Context, accountID string) error {
	acct, err := svc.repo.GetAccount(ctx, GetFilter{ID: accountID})
	if err != nil {
		return err
	}
	acct.RefreshTokenHash = nil
	acct.RefreshExpiresAt = nil
	_, err = svc.repo.UpdateAccount(ctx, acct, true /* bumpVersion */)
	return errors.Wrap(err, "invalidating sessions")
}

// VerifyAccess checks an access token's signature, expiry and type, then
// compares its embedded token version against a fresh account read.
func (svc *service) VerifyAccess(ctx context.Context, accessToken string) (Account, *Claims, error) {
	claims, err := svc.tokens.Parse(accessToken, TokenTypeAccess)
	if err != nil {
		return Account{}, nil, ErrInvalidAccessToken
	}
	acct, err := svc.repo.GetAccount(ctx, GetFilter{ID: claims.Subject})
	if err != nil {
		return Account{}, nil, ErrInvalidAccessToken
	}
	if claims.TokenVersion != acct.TokenVersion {
		return Account{}, nil, ErrInvalidAccessToken
	}
	if acct.Blocked {
		return Account{}, nil, ErrAccountBlocked
	}
	return acct, claims, nil
}

// SetPassword sets a new password on the account; used by the operator CLI.
func (svc *service) SetPassword(ctx context.Context, accountID, pwd string) error {
	acct, err := svc.repo.GetAccount(ctx, GetFilter{ID: accountID})
	if err != nil {
		return err
	}
	if err = acct.SetPassword(svc.hasher, pwd); err != nil {
		return err
	}
	_, err = svc.repo.UpdateAccount(ctx, acct, false)
	return errors.Wrap(err, "updating password")
}

// ClearLockout resets the failed-login counter and lock window; used by the
// operator CLI.
func (svc *service) ClearLockout(ctx context.Context, identifier string) error {
	acct, err := svc.GetByIdentifier(ctx, identifier)
	if err != nil {
		return err
	}
	acct.FailedLogins = 0
	acct.LockedUntil = nil
	_, err = svc.repo.UpdateAccount(ctx, acct, false)
	return errors.Wrap(err, "clearing lockout state")
}
