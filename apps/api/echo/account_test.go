package echoapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talimhub/talim/core"
	"github.com/talimhub/talim/core/account"
	emailsvc "github.com/talimhub/talim/services/email"
	dummydb "github.com/talimhub/talim/storage/database/dummy"
)

const testPassword = "s3cret_Pa55!"

type nopLogger struct{}

func (nopLogger) Enable(bool)                  {}
func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Fatal(string, ...interface{}) {}

func setup(t *testing.T) (Server, account.Service) {
	t.Helper()

	db, err := dummydb.Open()
	require.NoError(t, err)

	svc := account.NewServiceMock(dummydb.NewAccountRepository(db), emailsvc.NewConsoleServiceMock(), nopLogger{})

	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	validate := validator.New()
	core.InitValidators(validate, translator)
	account.RegisterValidators(validate, translator)

	server := NewServer(&Options{
		DisableReqLogs: true,
		AccountSvc:     svc,
		Logger:         nopLogger{},
		Validate:       validate,
		Translator:     translator,
		Shutdown:       func() {},
	})
	return server, svc
}

func createAccount(t *testing.T, svc account.Service, uname, role string) account.Account {
	t.Helper()
	acct, err := svc.Create(context.Background(), account.NewAccount{
		Name:            "Test " + uname,
		Username:        uname,
		Email:           uname + "@test.cd",
		Role:            role,
		Password:        testPassword,
		PasswordConfirm: testPassword,
	})
	require.NoError(t, err)
	return acct
}

func login(t *testing.T, svc account.Service, identifier string) account.LoginResult {
	t.Helper()
	res, err := svc.Login(context.Background(), account.Credentials{Identifier: identifier, Password: testPassword})
	require.NoError(t, err)
	return res
}

func doRequest(server Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func TestAPI_login(t *testing.T) {
	server, svc := setup(t)
	acct := createAccount(t, svc, "amina", account.RoleTeacher)

	t.Run("ok", func(t *testing.T) {
		rec := doRequest(server, http.MethodPost, "/v1/auth/login", "", echo.Map{
			"identifier": acct.Username, "password": testPassword,
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var res account.LoginResult
		decode(t, rec, &res)
		assert.False(t, res.NeedsTwoFactor)
		assert.NotEmpty(t, res.AccessToken)
		assert.NotEmpty(t, res.RefreshToken)
		assert.Equal(t, acct.ID, res.Account.ID)
	})

	t.Run("wrong password", func(t *testing.T) {
		rec := doRequest(server, http.MethodPost, "/v1/auth/login", "", echo.Map{
			"identifier": acct.Username, "password": "nope",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown identifier is indistinguishable from a bad password", func(t *testing.T) {
		rec := doRequest(server, http.MethodPost, "/v1/auth/login", "", echo.Map{
			"identifier": "nobody", "password": testPassword,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing fields", func(t *testing.T) {
		rec := doRequest(server, http.MethodPost, "/v1/auth/login", "", echo.Map{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("locked account", func(t *testing.T) {
		locked := createAccount(t, svc, "locked", account.RoleStudent)
		for i := 0; i < 5; i++ {
			rec := doRequest(server, http.MethodPost, "/v1/auth/login", "", echo.Map{
				"identifier": locked.Username, "password": "nope",
			})
			require.Equal(t, http.StatusBadRequest, rec.Code)
		}
		rec := doRequest(server, http.MethodPost, "/v1/auth/login", "", echo.Map{
			"identifier": locked.Username, "password": testPassword,
		})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestAPI_tokenRefresh(t *testing.T) {
	server, svc := setup(t)
	acct := createAccount(t, svc, "amina", account.RoleTeacher)
	session := login(t, svc, acct.Username)

	t.Run("ok", func(t *testing.T) {
		rec := doRequest(server, http.MethodPost, "/v1/auth/token-refresh", "", RefreshRequest{RefreshToken: session.RefreshToken})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var res TokenResponse
		decode(t, rec, &res)
		assert.NotEmpty(t, res.AccessToken)
	})

	t.Run("garbage token", func(t *testing.T) {
		rec := doRequest(server, http.MethodPost, "/v1/auth/token-refresh", "", RefreshRequest{RefreshToken: "lol"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestAPI_logout(t *testing.T) {
	server, svc := setup(t)
	acct := createAccount(t, svc, "amina", account.RoleTeacher)
	session := login(t, svc, acct.Username)

	t.Run("requires auth", func(t *testing.T) {
		rec := doRequest(server, http.MethodPost, "/v1/auth/logout", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("invalidates outstanding tokens", func(t *testing.T) {
		rec := doRequest(server, http.MethodPost, "/v1/auth/logout", session.AccessToken, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		rec = doRequest(server, http.MethodPost, "/v1/auth/logout", session.AccessToken, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		rec = doRequest(server, http.MethodPost, "/v1/auth/token-refresh", "", RefreshRequest{RefreshToken: session.RefreshToken})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestAPI_passwordReset(t *testing.T) {
	server, svc := setup(t)
	acct := createAccount(t, svc, "amina", account.RoleTeacher)

	t.Run("known and unknown identifiers get the same response", func(t *testing.T) {
		for _, identifier := range []string{acct.Email, "nobody@test.cd"} {
			rec := doRequest(server, http.MethodPost, "/v1/auth/password-reset", "", PasswordResetRequest{Identifier: identifier})
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			var res SuccessResponse
			decode(t, rec, &res)
			assert.Contains(t, res.Success, "instructions to reset your password")
		}
	})

	t.Run("confirm with an unknown token", func(t *testing.T) {
		rec := doRequest(server, http.MethodPost, "/v1/auth/password-reset-confirm", "", account.ResetAccountPassword{
			Token: "lol", Password: "n3w_Pa55word!", PasswordConfirm: "n3w_Pa55word!",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAPI_twoFactor(t *testing.T) {
	server, svc := setup(t)
	acct := createAccount(t, svc, "amina", account.RoleTeacher)
	session := login(t, svc, acct.Username)

	var enrollment account.TwoFactorEnrollment
	t.Run("enroll", func(t *testing.T) {
		rec := doRequest(server, http.MethodPost, "/v1/auth/2fa/enroll", session.AccessToken, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		decode(t, rec, &enrollment)
		assert.NotEmpty(t, enrollment.Secret)
		assert.Contains(t, enrollment.URI, "otpauth://")
	})

	t.Run("confirm", func(t *testing.T) {
		code, err := totp.GenerateCode(enrollment.Secret, time.Now())
		require.NoError(t, err)

		rec := doRequest(server, http.MethodPost, "/v1/auth/2fa/confirm", session.AccessToken, TwoFactorConfirmRequest{
			Secret: enrollment.Secret, Code: code,
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var res TwoFactorConfirmResponse
		decode(t, rec, &res)
		assert.Len(t, res.BackupCodes, 10)

		// enabling invalidated the session used to confirm
		rec = doRequest(server, http.MethodPost, "/v1/auth/2fa/enroll", session.AccessToken, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("login now requires the challenge", func(t *testing.T) {
		rec := doRequest(server, http.MethodPost, "/v1/auth/login", "", echo.Map{
			"identifier": acct.Username, "password": testPassword,
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var res account.LoginResult
		decode(t, rec, &res)
		assert.True(t, res.NeedsTwoFactor)
		assert.Empty(t, res.AccessToken)

		code, err := totp.GenerateCode(enrollment.Secret, time.Now())
		require.NoError(t, err)
		rec = doRequest(server, http.MethodPost, "/v1/auth/login", "", echo.Map{
			"identifier": acct.Username, "password": testPassword, "two_factor_code": code,
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		decode(t, rec, &res)
		assert.False(t, res.NeedsTwoFactor)
		assert.NotEmpty(t, res.AccessToken)
	})

	t.Run("disable", func(t *testing.T) {
		code, err := totp.GenerateCode(enrollment.Secret, time.Now())
		require.NoError(t, err)
		res, err := svc.Login(context.Background(), account.Credentials{
			Identifier: acct.Username, Password: testPassword, TwoFactorCode: code,
		})
		require.NoError(t, err)

		rec := doRequest(server, http.MethodPost, "/v1/auth/2fa/disable", res.AccessToken, TwoFactorDisableRequest{Password: "nope"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = doRequest(server, http.MethodPost, "/v1/auth/2fa/disable", res.AccessToken, TwoFactorDisableRequest{Password: testPassword})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	})
}

func TestAPI_accounts(t *testing.T) {
	server, svc := setup(t)
	staff := createAccount(t, svc, "staff", account.RoleStaff)
	teacher := createAccount(t, svc, "teacher", account.RoleTeacher)
	staffSession := login(t, svc, staff.Username)
	teacherSession := login(t, svc, teacher.Username)

	t.Run("me", func(t *testing.T) {
		rec := doRequest(server, http.MethodGet, "/v1/accounts/me", teacherSession.AccessToken, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var res account.Account
		decode(t, rec, &res)
		assert.Equal(t, teacher.ID, res.ID)
	})

	t.Run("register requires staff", func(t *testing.T) {
		body := account.NewAccount{
			Name: "New Student", EnrollmentCode: "std001", Role: account.RoleStudent,
			ClassRoom: "6A", Password: testPassword, PasswordConfirm: testPassword,
		}

		rec := doRequest(server, http.MethodPost, "/v1/accounts/register", teacherSession.AccessToken, body)
		assert.Equal(t, http.StatusForbidden, rec.Code)

		rec = doRequest(server, http.MethodPost, "/v1/accounts/register", staffSession.AccessToken, body)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var res account.Account
		decode(t, rec, &res)
		assert.Equal(t, "std001", res.EnrollmentCode)

		// the enrollment code works as a login identifier
		lrec := doRequest(server, http.MethodPost, "/v1/auth/login", "", echo.Map{
			"identifier": "std001", "password": testPassword,
		})
		assert.Equal(t, http.StatusOK, lrec.Code, lrec.Body.String())
	})

	t.Run("unlock requires staff", func(t *testing.T) {
		locked := createAccount(t, svc, "locked", account.RoleStudent)
		for i := 0; i < 5; i++ {
			_, err := svc.Login(context.Background(), account.Credentials{Identifier: locked.Username, Password: "nope"})
			require.ErrorIs(t, err, account.ErrInvalidCredentials)
		}

		rec := doRequest(server, http.MethodPost, "/v1/accounts/unlock", teacherSession.AccessToken, UnlockRequest{Identifier: locked.Username})
		assert.Equal(t, http.StatusForbidden, rec.Code)

		rec = doRequest(server, http.MethodPost, "/v1/accounts/unlock", staffSession.AccessToken, UnlockRequest{Identifier: locked.Username})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		_, err := svc.Login(context.Background(), account.Credentials{Identifier: locked.Username, Password: testPassword})
		assert.NoError(t, err)
	})
}
