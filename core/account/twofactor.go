package account

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/pkg/errors"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/talimhub/talim/core"
)

const (
	totpPeriod = 30           // seconds per time step
	totpSkew   = 1            // accepted clock drift, in steps, either direction
	totpDigits = otp.DigitsSix

	backupCodeBytes = 5 // 10 hex characters per code
)

// validTOTP checks a 6-digit time-based code against the stored secret,
// accepting one step of clock drift in either direction.
func validTOTP(secret, code string, now time.Time) bool {
	ok, err := totp.ValidateCustom(code, secret, now, totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    totpDigits,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// EnrollTwoFactor generates a fresh secret and its otpauth:// provisioning
// URI. Nothing is persisted: the caller must prove possession of the secret
// via ConfirmTwoFactor before it takes effect.
func (svc *service) EnrollTwoFactor(ctx context.Context, accountID string) (TwoFactorEnrollment, error) {
	acct, err := svc.repo.GetAccount(ctx, GetFilter{ID: accountID})
	if err != nil {
		return TwoFactorEnrollment{}, err
	}
	if acct.TwoFactorEnabled {
		return TwoFactorEnrollment{}, ErrTwoFactorAlreadyEnabled
	}

	accountName := acct.Email
	if accountName == "" {
		accountName = acct.Username
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      core.Conf.AppName,
		AccountName: accountName,
		Period:      totpPeriod,
		Digits:      totpDigits,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return TwoFactorEnrollment{}, errors.Wrap(err, "generating totp secret")
	}
	return TwoFactorEnrollment{Secret: key.Secret(), URI: key.URL()}, nil
}

// ConfirmTwoFactor completes enrollment: the caller submits one valid
// time-based code for the pending secret, after which the secret is
// persisted, two-factor is enabled and a fresh set of backup codes is
// generated. The plaintext codes are returned exactly once and are never
// retrievable again. Enabling invalidates all existing sessions.
func (svc *service) ConfirmTwoFactor(ctx context.Context, accountID, code, pendingSecret string) ([]string, error) {
	acct, err := svc.repo.GetAccount(ctx, GetFilter{ID: accountID})
	if err != nil {
		return nil, err
	}
	if acct.TwoFactorEnabled {
		return nil, ErrTwoFactorAlreadyEnabled
	}
	if !validTOTP(pendingSecret, code, nowFunc().UTC()) {
		return nil, ErrInvalidTwoFactorCode
	}

	plain, codes, err := svc.generateBackupCodes(acct.ID)
	if err != nil {
		return nil, errors.Wrap(err, "generating backup codes")
	}

	acct.TwoFactorEnabled = true
	acct.TwoFactorSecret = pendingSecret
	acct.RefreshTokenHash = nil
	acct.RefreshExpiresAt = nil
	if acct, err = svc.repo.UpdateAccount(ctx, acct, true /* bumpVersion */); err != nil {
		return nil, errors.Wrap(err, "enabling two-factor")
	}
	if err = svc.repo.ReplaceBackupCodes(ctx, acct.ID, codes); err != nil {
		return nil, errors.Wrap(err, "storing backup codes")
	}
	return plain, nil
}

// DisableTwoFactor turns two-factor off after re-proving the current
// password. The secret and all backup codes are discarded and all existing
// sessions are invalidated.
func (svc *service) DisableTwoFactor(ctx context.Context, accountID, currentPassword string) error {
	acct, err := svc.repo.GetAccount(ctx, GetFilter{ID: accountID})
	if err != nil {
		return err
	}
	if !acct.TwoFactorEnabled {
		return ErrTwoFactorNotEnabled
	}
	if err = acct.CheckPassword(currentPassword); err != nil {
		return ErrInvalidCredentials
	}

	acct.TwoFactorEnabled = false
	acct.TwoFactorSecret = ""
	acct.RefreshTokenHash = nil
	acct.RefreshExpiresAt = nil
	if acct, err = svc.repo.UpdateAccount(ctx, acct, true /* bumpVersion */); err != nil {
		return errors.Wrap(err, "disabling two-factor")
	}
	return errors.Wrap(svc.repo.ReplaceBackupCodes(ctx, acct.ID, nil), "discarding backup codes")
}

// generateBackupCodes creates the configured number of single-use codes,
// returning both the plaintexts (shown to the caller once) and the hashed
// entries to persist.
func (svc *service) generateBackupCodes(accountID string) ([]string, []BackupCode, error) {
	n := core.Conf.Auth.BackupCodeCount
	now := nowFunc().UTC()

	plain := make([]string, 0, n)
	codes := make([]BackupCode, 0, n)
	for i := 0; i < n; i++ {
		raw := make([]byte, backupCodeBytes)
		if _, err := rand.Read(raw); err != nil {
			return nil, nil, err
		}
		code := hex.EncodeToString(raw)
		hash, err := svc.hasher.Hash(code)
		if err != nil {
			return nil, nil, err
		}
		plain = append(plain, code)
		codes = append(codes, BackupCode{
			AccountID: accountID,
			Hash:      hash,
			CreatedAt: now,
		})
	}
	return plain, codes, nil
}
