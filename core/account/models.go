package account

import (
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"github.com/talimhub/talim/core"
)

// Roles
const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
	RoleStaff   = "staff"
)

var AllRoles = []string{RoleStudent, RoleTeacher, RoleStaff}

// Account is the authentication aggregate for one principal (student/teacher/staff).
// All auth-sensitive mutable state (lockout counters, token version, refresh
// token hash) lives here and is only mutated through single-row atomic
// Repository operations.
type Account struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Username       string `json:"username"`
	Email          string `json:"email"`
	EnrollmentCode string `json:"enrollment_code,omitempty"` // class-enrollment identifier; students only
	Role           string `json:"role"`
	ClassRoom      string `json:"class_room,omitempty"`

	PasswordHash      []byte    `json:"-"`
	PasswordChangedAt time.Time `json:"-"`
	PasswordExpiresAt time.Time `json:"-"`

	FailedLogins int        `json:"-"`
	LockedUntil  *time.Time `json:"-"`
	Blocked      bool       `json:"-"` // administrative block; distinct from lockout

	TwoFactorEnabled bool   `json:"two_factor_enabled"`
	TwoFactorSecret  string `json:"-"` // set only while enabled

	TokenVersion     int        `json:"-"` // monotonic; bump invalidates all outstanding tokens
	RefreshTokenHash []byte     `json:"-"`
	RefreshExpiresAt *time.Time `json:"-"`

	LastLogin time.Time `json:"last_login"` // UTC
	CreatedAt time.Time `json:"created_at"` // UTC
	UpdatedAt time.Time `json:"updated_at"` // UTC
}

// SetPassword hashes pwd and stamps the password's change/expiry window.
func (a *Account) SetPassword(h Hasher, pwd string) error {
	hash, err := h.Hash(pwd)
	if err != nil {
		return err
	}
	now := nowFunc().UTC()
	a.PasswordHash = hash
	a.PasswordChangedAt = now
	a.PasswordExpiresAt = now.Add(core.Conf.Auth.PasswordMaxAge)
	return nil
}

func (a *Account) CheckPassword(pwd string) error {
	return bcrypt.CompareHashAndPassword(a.PasswordHash, []byte(pwd))
}

// Locked reports whether a temporary lockout window is in effect.
func (a *Account) Locked(now time.Time) bool {
	return a.LockedUntil != nil && now.Before(*a.LockedUntil)
}

func (a *Account) PasswordExpired(now time.Time) bool {
	return !a.PasswordExpiresAt.IsZero() && now.After(a.PasswordExpiresAt)
}

func (a *Account) IsStudent() bool { return a.Role == RoleStudent }
func (a *Account) IsTeacher() bool { return a.Role == RoleTeacher }
func (a *Account) IsStaff() bool   { return a.Role == RoleStaff }

// BackupCode is a single-use recovery credential. Immutable once created,
// except for the one-way Used/UsedAt transition.
type BackupCode struct {
	ID        string     `json:"id"`
	AccountID string     `json:"account_id"`
	Hash      []byte     `json:"-"`
	Used      bool       `json:"used"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// ResetToken is an outstanding password-reset request. It is deleted on
// consumption; a token is valid only while present and unexpired.
type ResetToken struct {
	ID        string    `json:"id"`
	Token     string    `json:"-"`
	AccountID string    `json:"account_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

func (rt ResetToken) Expired(now time.Time) bool {
	return now.After(rt.ExpiresAt)
}

// NewAccount contains information needed to enroll a new Account.
type NewAccount struct {
	Name            string `json:"name" validate:"required"`
	Username        string `json:"username" validate:"omitempty,min=6,alphanum_"`
	Email           string `json:"email" validate:"omitempty,email"`
	EnrollmentCode  string `json:"enrollment_code" validate:"omitempty,alphanum_"`
	Role            string `json:"role" validate:"required,oneof=student teacher staff"`
	ClassRoom       string `json:"class_room"`
	Password        string `json:"password" validate:"required"`
	PasswordConfirm string `json:"password_confirm" validate:"required,eqfield=Password"`
}

func (na *NewAccount) Validate(validate *validator.Validate) error {
	na.Name = core.CleanString(na.Name)
	na.Username = core.CleanString(na.Username, true /* lower */)
	na.Email = core.CleanString(na.Email, true /* lower */)
	na.EnrollmentCode = core.CleanString(na.EnrollmentCode, true /* lower */)
	return validate.Struct(na)
}

// Credentials is a single login attempt. At most one of TwoFactorCode and
// BackupCode may be supplied.
type Credentials struct {
	Identifier    string `json:"identifier" validate:"required"` // enrollment code, username or email
	Password      string `json:"password" validate:"required"`
	TwoFactorCode string `json:"two_factor_code" validate:"omitempty,numeric,len=6"`
	BackupCode    string `json:"backup_code" validate:"omitempty,excluded_with=TwoFactorCode"`
}

func (c *Credentials) Validate(validate *validator.Validate) error {
	c.Identifier = core.CleanString(c.Identifier, true /* lower */)
	c.TwoFactorCode = core.CleanString(c.TwoFactorCode)
	c.BackupCode = core.CleanString(c.BackupCode)
	return validate.Struct(c)
}

// LoginResult is the outcome of a successful credential check.
// NeedsTwoFactor marks the challenge branch: the caller must re-submit the
// same credentials along with a one-time or backup code; no tokens are
// issued until then.
type LoginResult struct {
	NeedsTwoFactor bool    `json:"two_factor_required"`
	AccessToken    string  `json:"access_token,omitempty"`
	RefreshToken   string  `json:"refresh_token,omitempty"`
	Account        Account `json:"account"`
}

// TwoFactorEnrollment is returned by EnrollTwoFactor. Secret is not yet
// persisted; the caller proves possession via ConfirmTwoFactor.
type TwoFactorEnrollment struct {
	Secret string `json:"secret"`
	URI    string `json:"uri"` // otpauth:// provisioning URI, scannable as a QR code
}

// ResetAccountPassword consumes a password-reset token.
type ResetAccountPassword struct {
	Token           string `json:"token" validate:"required"`
	Password        string `json:"password" validate:"required"`
	PasswordConfirm string `json:"password_confirm" validate:"required,eqfield=Password"`
}

func (rp *ResetAccountPassword) Validate(validate *validator.Validate) error {
	rp.Token = core.CleanString(rp.Token)
	return validate.Struct(rp)
}
