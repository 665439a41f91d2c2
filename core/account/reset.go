package account

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/mail"

	"github.com/pkg/errors"

	"github.com/talimhub/talim/core"
)

const resetTokenBytes = 32

var passwordResetSubject = "Password Reset"

// makeResetToken returns an unguessable, URL-safe opaque token value.
func makeResetToken() (string, error) {
	raw := make([]byte, resetTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// RequestPasswordReset issues a single-use, time-boxed reset token for the
// account matching identifier and dispatches it out-of-band by email.
func (svc *service) RequestPasswordReset(ctx context.Context, identifier string) error {
	acct, err := svc.GetByIdentifier(ctx, identifier)
	if err != nil {
		return err
	}

	token, err := makeResetToken()
	if err != nil {
		return errors.Wrap(err, "generating reset token")
	}
	rt := ResetToken{
		Token:     token,
		AccountID: acct.ID,
		ExpiresAt: nowFunc().UTC().Add(core.Conf.Auth.ResetTokenTTL),
	}
	if _, err = svc.repo.CreateResetToken(ctx, rt); err != nil {
		return errors.Wrap(err, "storing reset token")
	}

	svc.sendPasswordResetMail(acct, token)
	return nil
}

func (svc *service) sendPasswordResetMail(acct Account, token string) {
	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: acct.Name, Address: acct.Email}},
		Subject:      passwordResetSubject,
		TemplateName: "password-reset",
		TemplateData: struct {
			Name  string
			Token string
		}{Name: acct.Name, Token: token},
	})
}

// ResetPassword consumes a reset token and sets the new password. Consumed
// tokens are deleted immediately; expired ones are deleted lazily on check.
// The token version is left untouched: outstanding sessions survive a
// password reset.
func (svc *service) ResetPassword(ctx context.Context, rp ResetAccountPassword) error {
	rt, err := svc.repo.GetResetToken(ctx, rp.Token)
	if err != nil {
		if errors.Cause(err) == ErrNotFound {
			return ErrResetTokenInvalid
		}
		return errors.Wrap(err, "finding reset token")
	}
	if rt.Expired(nowFunc().UTC()) {
		if derr := svc.repo.DeleteResetToken(ctx, rt.ID); derr != nil {
			svc.logger.Warn("deleting expired reset token", derr)
		}
		return ErrResetTokenExpired
	}

	acct, err := svc.repo.GetAccount(ctx, GetFilter{ID: rt.AccountID})
	if err != nil {
		return errors.Wrap(err, "finding reset token owner")
	}
	if err = acct.SetPassword(svc.hasher, rp.Password); err != nil {
		return err
	}
	if _, err = svc.repo.UpdateAccount(ctx, acct, false); err != nil {
		return errors.Wrap(err, "updating password")
	}
	return errors.Wrap(svc.repo.DeleteResetToken(ctx, rt.ID), "consuming reset token")
}
