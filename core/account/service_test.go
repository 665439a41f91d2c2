package account

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"

	"github.com/talimhub/talim/core"
)

// memRepo is a minimal in-memory Repository for exercising the service state
// machine without a database.
type memRepo struct {
	accounts    map[string]*Account
	backupCodes map[string][]*BackupCode
	resetTokens map[string]*ResetToken
}

var _ Repository = (*memRepo)(nil)

func newMemRepo() *memRepo {
	return &memRepo{
		accounts:    make(map[string]*Account),
		backupCodes: make(map[string][]*BackupCode),
		resetTokens: make(map[string]*ResetToken),
	}
}

func (r *memRepo) CheckIdentifierUniqueness(_ context.Context, username, email, enrollmentCode string, excluded ...Account) error {
	for _, acct := range r.accounts {
		var skip bool
		for _, ex := range excluded {
			if acct.ID == ex.ID {
				skip = true
			}
		}
		if skip {
			continue
		}
		if username != "" && acct.Username == username {
			return ErrUsernameExists
		}
		if email != "" && acct.Email == email {
			return ErrEmailExists
		}
		if enrollmentCode != "" && acct.EnrollmentCode == enrollmentCode {
			return ErrEnrollmentCodeExists
		}
	}
	return nil
}

func (r *memRepo) CreateAccount(_ context.Context, acct Account) (Account, error) {
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	r.accounts[acct.ID] = &acct
	return acct, nil
}

func (r *memRepo) GetAccount(_ context.Context, filter GetFilter) (Account, error) {
	if filter.ID != "" {
		if acct, ok := r.accounts[filter.ID]; ok {
			return *acct, nil
		}
		return Account{}, ErrNotFound
	}
	for _, acct := range r.accounts {
		if filter.Identifier != "" &&
			(acct.EnrollmentCode == filter.Identifier || acct.Username == filter.Identifier || acct.Email == filter.Identifier) {
			return *acct, nil
		}
	}
	return Account{}, ErrNotFound
}

func (r *memRepo) UpdateAccount(_ context.Context, acct Account, bumpVersion bool) (Account, error) {
	stored, ok := r.accounts[acct.ID]
	if !ok {
		return Account{}, ErrNotFound
	}
	acct.TokenVersion = stored.TokenVersion
	if bumpVersion {
		acct.TokenVersion++
	}
	acct.UpdatedAt = nowFunc().UTC()
	r.accounts[acct.ID] = &acct
	return acct, nil
}

func (r *memRepo) RecordLoginFailure(_ context.Context, id string, policy LockoutPolicy) (Account, error) {
	acct, ok := r.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	acct.FailedLogins, acct.LockedUntil = policy.Apply(acct.FailedLogins, nowFunc().UTC())
	return *acct, nil
}

func (r *memRepo) ReplaceBackupCodes(_ context.Context, id string, codes []BackupCode) error {
	replacement := make([]*BackupCode, 0, len(codes))
	for i := range codes {
		bc := codes[i]
		if bc.ID == "" {
			bc.ID = uuid.NewString()
		}
		replacement = append(replacement, &bc)
	}
	r.backupCodes[id] = replacement
	return nil
}

func (r *memRepo) ConsumeBackupCode(_ context.Context, id string, match func(BackupCode) bool) (bool, error) {
	for _, bc := range r.backupCodes[id] {
		if bc.Used || !match(*bc) {
			continue
		}
		now := nowFunc().UTC()
		bc.Used = true
		bc.UsedAt = &now
		return true, nil
	}
	return false, nil
}

func (r *memRepo) CreateResetToken(_ context.Context, rt ResetToken) (ResetToken, error) {
	if rt.ID == "" {
		rt.ID = uuid.NewString()
	}
	rt.CreatedAt = nowFunc().UTC()
	r.resetTokens[rt.Token] = &rt
	return rt, nil
}

func (r *memRepo) GetResetToken(_ context.Context, token string) (ResetToken, error) {
	if rt, ok := r.resetTokens[token]; ok {
		return *rt, nil
	}
	return ResetToken{}, ErrNotFound
}

func (r *memRepo) DeleteResetToken(_ context.Context, id string) error {
	for token, rt := range r.resetTokens {
		if rt.ID == id {
			delete(r.resetTokens, token)
			return nil
		}
	}
	return ErrNotFound
}

// mailRecorder captures outgoing messages for inspection.
type mailRecorder struct {
	messages []*core.EmailMessage
}

func (m *mailRecorder) SendMessages(messages ...*core.EmailMessage) {
	m.messages = append(m.messages, messages...)
}

func (m *mailRecorder) lastResetToken(t *testing.T) string {
	t.Helper()
	if len(m.messages) == 0 {
		t.Fatal("no email was sent")
	}
	data, ok := m.messages[len(m.messages)-1].TemplateData.(struct {
		Name  string
		Token string
	})
	if !ok {
		t.Fatal("unexpected template data shape")
	}
	return data.Token
}

type nopLogger struct{}

func (nopLogger) Enable(bool)                  {}
func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Fatal(string, ...interface{}) {}

const testPassword = "s3cret_Pa55!"

func setup(t *testing.T) (Service, *memRepo, *mailRecorder) {
	t.Helper()
	nowFunc = time.Now
	t.Cleanup(func() { nowFunc = time.Now })

	repo := newMemRepo()
	mail := new(mailRecorder)
	return NewServiceMock(repo, mail, nopLogger{}), repo, mail
}

func createAccount(t *testing.T, svc Service, uname string) Account {
	t.Helper()
	acct, err := svc.Create(context.Background(), NewAccount{
		Name:            "Test " + uname,
		Username:        uname,
		Email:           uname + "@test.cd",
		Role:            RoleTeacher,
		Password:        testPassword,
		PasswordConfirm: testPassword,
	})
	if err != nil {
		t.Fatalf("Create() failed, %v", err)
	}
	return acct
}

func TestService_Login(t *testing.T) {
	ctx := context.Background()

	t.Run("success issues both tokens", func(t *testing.T) {
		svc, _, _ := setup(t)
		acct := createAccount(t, svc, "amina")

		res, err := svc.Login(ctx, Credentials{Identifier: acct.Username, Password: testPassword})
		if err != nil {
			t.Fatalf("Login() error = %v", err)
		}
		if res.NeedsTwoFactor {
			t.Error("Login() unexpectedly requires two-factor")
		}
		if res.AccessToken == "" || res.RefreshToken == "" {
			t.Error("Login() did not issue both tokens")
		}
		if res.Account.LastLogin.IsZero() {
			t.Error("Login() did not stamp LastLogin")
		}
	})

	t.Run("unknown identifier", func(t *testing.T) {
		svc, _, _ := setup(t)

		if _, err := svc.Login(ctx, Credentials{Identifier: "nobody", Password: testPassword}); err != ErrNotFound {
			t.Errorf("Login() error = %v, want %v", err, ErrNotFound)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		svc, repo, _ := setup(t)
		acct := createAccount(t, svc, "amina")

		if _, err := svc.Login(ctx, Credentials{Identifier: acct.Username, Password: "nope"}); err != ErrInvalidCredentials {
			t.Fatalf("Login() error = %v, want %v", err, ErrInvalidCredentials)
		}
		if got := repo.accounts[acct.ID].FailedLogins; got != 1 {
			t.Errorf("FailedLogins = %d, want 1", got)
		}
	})

	t.Run("blocked account rejected before password check", func(t *testing.T) {
		svc, repo, _ := setup(t)
		acct := createAccount(t, svc, "amina")
		repo.accounts[acct.ID].Blocked = true

		if _, err := svc.Login(ctx, Credentials{Identifier: acct.Username, Password: testPassword}); err != ErrAccountBlocked {
			t.Errorf("Login() error = %v, want %v", err, ErrAccountBlocked)
		}
	})

	t.Run("expired password rejected after credential check", func(t *testing.T) {
		svc, repo, _ := setup(t)
		acct := createAccount(t, svc, "amina")
		expired := time.Now().UTC().Add(-time.Hour)
		repo.accounts[acct.ID].PasswordExpiresAt = expired

		if _, err := svc.Login(ctx, Credentials{Identifier: acct.Username, Password: testPassword}); err != ErrPasswordExpired {
			t.Errorf("Login() error = %v, want %v", err, ErrPasswordExpired)
		}
	})
}

func TestService_Login_lockout(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := setup(t)
	acct := createAccount(t, svc, "amina")
	limit := core.Conf.Auth.FailedLoginLimit

	// failures below the limit leave the account active
	for i := 0; i < limit-1; i++ {
		if _, err := svc.Login(ctx, Credentials{Identifier: acct.Username, Password: "nope"}); err != ErrInvalidCredentials {
			t.Fatalf("Login() error = %v, want %v", err, ErrInvalidCredentials)
		}
	}
	if got := repo.accounts[acct.ID].FailedLogins; got != limit-1 {
		t.Fatalf("FailedLogins = %d, want %d", got, limit-1)
	}
	if repo.accounts[acct.ID].LockedUntil != nil {
		t.Fatal("account locked before reaching the limit")
	}

	// the limit-th failure enters the locked state and resets the counter
	if _, err := svc.Login(ctx, Credentials{Identifier: acct.Username, Password: "nope"}); err != ErrInvalidCredentials {
		t.Fatalf("Login() error = %v, want %v", err, ErrInvalidCredentials)
	}
	if repo.accounts[acct.ID].LockedUntil == nil {
		t.Fatal("account not locked after reaching the limit")
	}
	if got := repo.accounts[acct.ID].FailedLogins; got != 0 {
		t.Errorf("FailedLogins = %d, want 0 after lock", got)
	}

	// even correct credentials are rejected during the window, and the
	// counter is not bumped
	if _, err := svc.Login(ctx, Credentials{Identifier: acct.Username, Password: testPassword}); err != ErrAccountLocked {
		t.Fatalf("Login() error = %v, want %v", err, ErrAccountLocked)
	}
	if got := repo.accounts[acct.ID].FailedLogins; got != 0 {
		t.Errorf("FailedLogins = %d, want 0 during lock", got)
	}

	// once the window passes the lock expires on its own
	nowFunc = func() time.Time { return time.Now().Add(core.Conf.Auth.LockoutWindow + time.Minute) }
	res, err := svc.Login(ctx, Credentials{Identifier: acct.Username, Password: testPassword})
	if err != nil {
		t.Fatalf("Login() after lock window error = %v", err)
	}
	if res.AccessToken == "" {
		t.Error("Login() did not issue an access token")
	}
	if repo.accounts[acct.ID].LockedUntil != nil {
		t.Error("lockout state not cleared after successful login")
	}
}

func TestService_Login_twoFactor(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setup(t)
	acct := createAccount(t, svc, "amina")

	enrollment, err := svc.EnrollTwoFactor(ctx, acct.ID)
	if err != nil {
		t.Fatalf("EnrollTwoFactor() error = %v", err)
	}
	if !strings.HasPrefix(enrollment.URI, "otpauth://") {
		t.Errorf("EnrollTwoFactor() URI = %q, want otpauth scheme", enrollment.URI)
	}

	// login is unaffected until enrollment is confirmed
	if res, err := svc.Login(ctx, Credentials{Identifier: acct.Username, Password: testPassword}); err != nil || res.NeedsTwoFactor {
		t.Fatalf("Login() before confirmation = (%+v, %v)", res, err)
	}

	code, err := totp.GenerateCode(enrollment.Secret, time.Now())
	if err != nil {
		t.Fatalf("GenerateCode() error = %v", err)
	}
	backupCodes, err := svc.ConfirmTwoFactor(ctx, acct.ID, code, enrollment.Secret)
	if err != nil {
		t.Fatalf("ConfirmTwoFactor() error = %v", err)
	}
	if len(backupCodes) != core.Conf.Auth.BackupCodeCount {
		t.Fatalf("ConfirmTwoFactor() returned %d codes, want %d", len(backupCodes), core.Conf.Auth.BackupCodeCount)
	}

	// password alone now yields the challenge marker, not tokens
	res, err := svc.Login(ctx, Credentials{Identifier: acct.Username, Password: testPassword})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if !res.NeedsTwoFactor {
		t.Fatal("Login() did not request two-factor")
	}
	if res.AccessToken != "" || res.RefreshToken != "" {
		t.Fatal("Login() issued tokens before the two-factor challenge")
	}

	// a bogus code is rejected
	if _, err = svc.Login(ctx, Credentials{Identifier: acct.Username, Password: testPassword, TwoFactorCode: "000000"}); err != ErrInvalidTwoFactorCode {
		t.Fatalf("Login() error = %v, want %v", err, ErrInvalidTwoFactorCode)
	}

	// a fresh TOTP code completes the login
	code, err = totp.GenerateCode(enrollment.Secret, time.Now())
	if err != nil {
		t.Fatalf("GenerateCode() error = %v", err)
	}
	res, err = svc.Login(ctx, Credentials{Identifier: acct.Username, Password: testPassword, TwoFactorCode: code})
	if err != nil {
		t.Fatalf("Login() with code error = %v", err)
	}
	if res.AccessToken == "" || res.RefreshToken == "" {
		t.Fatal("Login() with code did not issue tokens")
	}

	// a backup code also completes the login, exactly once
	res, err = svc.Login(ctx, Credentials{Identifier: acct.Username, Password: testPassword, BackupCode: backupCodes[0]})
	if err != nil {
		t.Fatalf("Login() with backup code error = %v", err)
	}
	if res.AccessToken == "" {
		t.Fatal("Login() with backup code did not issue tokens")
	}
	if _, err = svc.Login(ctx, Credentials{Identifier: acct.Username, Password: testPassword, BackupCode: backupCodes[0]}); err != ErrInvalidBackupCode {
		t.Fatalf("Login() with reused backup code error = %v, want %v", err, ErrInvalidBackupCode)
	}

	// disabling requires the current password and drops the challenge
	if err = svc.DisableTwoFactor(ctx, acct.ID, "nope"); err != ErrInvalidCredentials {
		t.Fatalf("DisableTwoFactor() error = %v, want %v", err, ErrInvalidCredentials)
	}
	if err = svc.DisableTwoFactor(ctx, acct.ID, testPassword); err != nil {
		t.Fatalf("DisableTwoFactor() error = %v", err)
	}
	if res, err = svc.Login(ctx, Credentials{Identifier: acct.Username, Password: testPassword}); err != nil || res.NeedsTwoFactor {
		t.Fatalf("Login() after disable = (%+v, %v)", res, err)
	}
}

func TestService_Refresh(t *testing.T) {
	ctx := context.Background()

	t.Run("valid refresh mints a new access token", func(t *testing.T) {
		svc, _, _ := setup(t)
		acct := createAccount(t, svc, "amina")
		res, err := svc.Login(ctx, Credentials{Identifier: acct.Username, Password: testPassword})
		if err != nil {
			t.Fatalf("Login() error = %v", err)
		}

		access, err := svc.Refresh(ctx, res.RefreshToken)
		if err != nil {
			t.Fatalf("Refresh() error = %v", err)
		}
		if access == "" {
			t.Error("Refresh() returned an empty access token")
		}
		// the access token is not usable as a refresh token
		if _, err = svc.Refresh(ctx, res.AccessToken); err != ErrInvalidRefreshToken {
			t.Errorf("Refresh(access) error = %v, want %v", err, ErrInvalidRefreshToken)
		}
	})

	t.Run("garbage and tampered tokens", func(t *testing.T) {
		svc, _, _ := setup(t)
		acct := createAccount(t, svc, "amina")
		res, err := svc.Login(ctx, Credentials{Identifier: acct.Username, Password: testPassword})
		if err != nil {
			t.Fatalf("Login() error = %v", err)
		}

		for _, token := range []string{"", "lol", res.RefreshToken + "x"} {
			if _, err := svc.Refresh(ctx, token); err != ErrInvalidRefreshToken {
				t.Errorf("Refresh(%q) error = %v, want %v", token, err, ErrInvalidRefreshToken)
			}
		}
	})

	t.Run("superseded by a newer login", func(t *testing.T) {
		svc, _, _ := setup(t)
		acct := createAccount(t, svc, "amina")
		first, err := svc.Login(ctx, Credentials{Identifier: acct.Username, Password: testPassword})
		if err != nil {
			t.Fatalf("Login() error = %v", err)
		}
		if _, err = svc.Login(ctx, Credentials{Identifier: acct.Username, Password: testPassword}); err != nil {
			t.Fatalf("Login() error = %v", err)
		}

		// only the most recent refresh token is stored
		if _, err = svc.Refresh(ctx, first.RefreshToken); err != ErrInvalidRefreshToken {
			t.Errorf("Refresh(old) error = %v, want %v", err, ErrInvalidRefreshToken)
		}
	})

	t.Run("expired refresh token", func(t *testing.T) {
		svc, _, _ := setup(t)
		acct := createAccount(t, svc, "amina")
		res, err := svc.Login(ctx, Credentials{Identifier: acct.Username, Password: testPassword})
		if err != nil {
			t.Fatalf("Login() error = %v", err)
		}

		nowFunc = func() time.Time { return time.Now().Add(core.Conf.Server.RefreshTokenTTL + time.Hour) }
		if _, err = svc.Refresh(ctx, res.RefreshToken); err != ErrInvalidRefreshToken {
			t.Errorf("Refresh() error = %v, want %v", err, ErrInvalidRefreshToken)
		}
	})
}

func TestService_Logout(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setup(t)
	acct := createAccount(t, svc, "amina")
	res, err := svc.Login(ctx, Credentials{Identifier: acct.Username, Password: testPassword})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	if _, _, err = svc.VerifyAccess(ctx, res.AccessToken); err != nil {
		t.Fatalf("VerifyAccess() before logout error = %v", err)
	}

	if err = svc.Logout(ctx, acct.ID); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}

	// the version bump invalidates both outstanding tokens instantly
	if _, _, err = svc.VerifyAccess(ctx, res.AccessToken); err != ErrInvalidAccessToken {
		t.Errorf("VerifyAccess() after logout error = %v, want %v", err, ErrInvalidAccessToken)
	}
	if _, err = svc.Refresh(ctx, res.RefreshToken); err != ErrInvalidRefreshToken {
		t.Errorf("Refresh() after logout error = %v, want %v", err, ErrInvalidRefreshToken)
	}

	// logging back in works and yields usable tokens again
	res, err = svc.Login(ctx, Credentials{Identifier: acct.Username, Password: testPassword})
	if err != nil {
		t.Fatalf("Login() after logout error = %v", err)
	}
	if _, _, err = svc.VerifyAccess(ctx, res.AccessToken); err != nil {
		t.Errorf("VerifyAccess() after re-login error = %v", err)
	}
}

func TestService_passwordReset(t *testing.T) {
	ctx := context.Background()

	t.Run("full flow", func(t *testing.T) {
		svc, _, mail := setup(t)
		acct := createAccount(t, svc, "amina")
		session, err := svc.Login(ctx, Credentials{Identifier: acct.Username, Password: testPassword})
		if err != nil {
			t.Fatalf("Login() error = %v", err)
		}

		if err = svc.RequestPasswordReset(ctx, acct.Email); err != nil {
			t.Fatalf("RequestPasswordReset() error = %v", err)
		}
		token := mail.lastResetToken(t)

		newPwd := "n3w_Pa55word!"
		if err = svc.ResetPassword(ctx, ResetAccountPassword{Token: token, Password: newPwd, PasswordConfirm: newPwd}); err != nil {
			t.Fatalf("ResetPassword() error = %v", err)
		}

		// old password out, new password in
		if _, err = svc.Login(ctx, Credentials{Identifier: acct.Username, Password: testPassword}); err != ErrInvalidCredentials {
			t.Errorf("Login(old pwd) error = %v, want %v", err, ErrInvalidCredentials)
		}
		if _, err = svc.Login(ctx, Credentials{Identifier: acct.Username, Password: newPwd}); err != nil {
			t.Errorf("Login(new pwd) error = %v", err)
		}

		// the token is single-use
		if err = svc.ResetPassword(ctx, ResetAccountPassword{Token: token, Password: newPwd, PasswordConfirm: newPwd}); err != ErrResetTokenInvalid {
			t.Errorf("ResetPassword(reused) error = %v, want %v", err, ErrResetTokenInvalid)
		}

		// outstanding sessions survive the reset
		if _, _, err = svc.VerifyAccess(ctx, session.AccessToken); err != nil {
			t.Errorf("VerifyAccess() after reset error = %v", err)
		}
	})

	t.Run("unknown identifier", func(t *testing.T) {
		svc, _, mail := setup(t)

		if err := svc.RequestPasswordReset(ctx, "nobody@test.cd"); err != ErrNotFound {
			t.Errorf("RequestPasswordReset() error = %v, want %v", err, ErrNotFound)
		}
		if len(mail.messages) != 0 {
			t.Error("an email was sent for an unknown identifier")
		}
	})

	t.Run("unknown token", func(t *testing.T) {
		svc, _, _ := setup(t)

		err := svc.ResetPassword(ctx, ResetAccountPassword{Token: "lol", Password: "n3w_Pa55word!", PasswordConfirm: "n3w_Pa55word!"})
		if err != ErrResetTokenInvalid {
			t.Errorf("ResetPassword() error = %v, want %v", err, ErrResetTokenInvalid)
		}
	})

	t.Run("expired token is rejected and discarded", func(t *testing.T) {
		svc, repo, mail := setup(t)
		acct := createAccount(t, svc, "amina")

		if err := svc.RequestPasswordReset(ctx, acct.Username); err != nil {
			t.Fatalf("RequestPasswordReset() error = %v", err)
		}
		token := mail.lastResetToken(t)

		nowFunc = func() time.Time { return time.Now().Add(core.Conf.Auth.ResetTokenTTL + time.Minute) }
		err := svc.ResetPassword(ctx, ResetAccountPassword{Token: token, Password: "n3w_Pa55word!", PasswordConfirm: "n3w_Pa55word!"})
		if err != ErrResetTokenExpired {
			t.Fatalf("ResetPassword() error = %v, want %v", err, ErrResetTokenExpired)
		}
		if len(repo.resetTokens) != 0 {
			t.Error("expired token was not discarded")
		}

		// a second attempt no longer finds it
		err = svc.ResetPassword(ctx, ResetAccountPassword{Token: token, Password: "n3w_Pa55word!", PasswordConfirm: "n3w_Pa55word!"})
		if err != ErrResetTokenInvalid {
			t.Errorf("ResetPassword() error = %v, want %v", err, ErrResetTokenInvalid)
		}
	})
}

func TestService_Create_uniqueness(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setup(t)
	acct := createAccount(t, svc, "amina")

	tests := []struct {
		name string
		na   NewAccount
	}{
		{name: "duplicate username", na: NewAccount{Name: "Dup", Username: acct.Username, Role: RoleStaff, Password: testPassword, PasswordConfirm: testPassword}},
		{name: "duplicate email", na: NewAccount{Name: "Dup", Email: acct.Email, Role: RoleStaff, Password: testPassword, PasswordConfirm: testPassword}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Create(ctx, tt.na); err == nil {
				t.Error("Create() accepted a duplicate identifier")
			}
		})
	}
}
