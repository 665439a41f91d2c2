package echoapi

import (
	"net/http"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/talimhub/talim/core"
	"github.com/talimhub/talim/core/account"
)

type accountApi struct {
	svc        account.Service
	validate   *validator.Validate
	translator ut.Translator
}

func registerAccountAPI(
	g *echo.Group,
	jwt echo.MiddlewareFunc,
	svc account.Service,
	validate *validator.Validate,
	translator ut.Translator,
) {
	api := accountApi{
		svc:        svc,
		validate:   validate,
		translator: translator,
	}

	ag := g.Group("/auth")

	// un-authed endpoints
	// TODO: rate limit `/login`, `/password-reset` & `/password-reset-confirm`
	ag.POST("/login", api.login)
	ag.POST("/token-refresh", api.refreshToken)
	ag.POST("/password-reset", api.requestPasswordReset)
	ag.POST("/password-reset-confirm", api.confirmPasswordReset)

	// authed endpoints
	authed := ag.Group("", jwt)
	authed.POST("/logout", api.logout)
	authed.POST("/2fa/enroll", api.enrollTwoFactor)
	authed.POST("/2fa/confirm", api.confirmTwoFactor)
	authed.POST("/2fa/disable", api.disableTwoFactor)

	acg := g.Group("/accounts", jwt)
	acg.POST("/register", api.create, staffMiddleware())
	acg.POST("/unlock", api.unlock, staffMiddleware())
	acg.GET("/me", api.me)
}

// Request / Response shapes

type (
	RefreshRequest struct {
		RefreshToken string `json:"refresh_token" validate:"required"`
	}

	TokenResponse struct {
		AccessToken string `json:"access_token"`
	}

	PasswordResetRequest struct {
		Identifier string `json:"identifier" validate:"required"`
	}

	TwoFactorConfirmRequest struct {
		Secret string `json:"secret" validate:"required"`
		Code   string `json:"code" validate:"required,numeric,len=6"`
	}

	TwoFactorConfirmResponse struct {
		BackupCodes []string `json:"backup_codes"`
	}

	TwoFactorDisableRequest struct {
		Password string `json:"password" validate:"required"`
	}

	UnlockRequest struct {
		Identifier string `json:"identifier" validate:"required"`
	}

	SuccessResponse struct {
		Success string `json:"success"`
	}
)

// Handlers

func (api *accountApi) login(ctx echo.Context) error {
	var creds account.Credentials
	if err := ctx.Bind(&creds); err != nil {
		return errors.Wrap(err, "binding to Credentials")
	}
	if err := creds.Validate(api.validate); err != nil {
		return err
	}

	res, err := api.svc.Login(ctx.Request().Context(), creds)
	if err != nil {
		// an unknown identifier is indistinguishable from a bad password
		if errors.Cause(err) == account.ErrNotFound {
			return account.ErrInvalidCredentials
		}
		return err
	}
	return ctx.JSON(http.StatusOK, res)
}

func (api *accountApi) refreshToken(ctx echo.Context) error {
	var data RefreshRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to RefreshRequest")
	}
	if err := api.validate.Struct(&data); err != nil {
		return err
	}

	access, err := api.svc.Refresh(ctx.Request().Context(), data.RefreshToken)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, TokenResponse{AccessToken: access})
}

func (api *accountApi) logout(ctx echo.Context) error {
	acct, err := getContextAccount(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context account")
	}
	if err = api.svc.Logout(ctx.Request().Context(), acct.ID); err != nil {
		return errors.Wrap(err, "logging out")
	}
	return ctx.JSON(http.StatusOK, SuccessResponse{Success: "Logged out."})
}

func (api *accountApi) requestPasswordReset(ctx echo.Context) error {
	var data PasswordResetRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to PasswordResetRequest")
	}
	if err := api.validate.Struct(&data); err != nil {
		return err
	}

	if err := api.svc.RequestPasswordReset(ctx.Request().Context(), data.Identifier); !(err == nil || errors.Cause(err) == account.ErrNotFound) {
		// do not return errors to attackers
		ctx.Logger().Errorf("%+v", errors.Wrap(err, "requesting password reset"))
	}
	return ctx.JSON(http.StatusOK, SuccessResponse{
		Success: "If the identifier supplied is associated with an active account on this system, " +
			"an email will arrive in your inbox shortly with instructions to reset your password.",
	})
}

func (api *accountApi) confirmPasswordReset(ctx echo.Context) error {
	var data account.ResetAccountPassword
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ResetAccountPassword")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	if err := api.svc.ResetPassword(ctx.Request().Context(), data); err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, SuccessResponse{Success: "Password has been reset with the new password."})
}

func (api *accountApi) enrollTwoFactor(ctx echo.Context) error {
	acct, err := getContextAccount(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context account")
	}

	enrollment, err := api.svc.EnrollTwoFactor(ctx.Request().Context(), acct.ID)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, enrollment)
}

func (api *accountApi) confirmTwoFactor(ctx echo.Context) error {
	acct, err := getContextAccount(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context account")
	}

	var data TwoFactorConfirmRequest
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to TwoFactorConfirmRequest")
	}
	if err = api.validate.Struct(&data); err != nil {
		return err
	}

	codes, err := api.svc.ConfirmTwoFactor(ctx.Request().Context(), acct.ID, data.Code, data.Secret)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, TwoFactorConfirmResponse{BackupCodes: codes})
}

func (api *accountApi) disableTwoFactor(ctx echo.Context) error {
	acct, err := getContextAccount(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context account")
	}

	var data TwoFactorDisableRequest
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to TwoFactorDisableRequest")
	}
	if err = api.validate.Struct(&data); err != nil {
		return err
	}

	if err = api.svc.DisableTwoFactor(ctx.Request().Context(), acct.ID, data.Password); err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, SuccessResponse{Success: "Two-factor authentication disabled."})
}

func (api *accountApi) create(ctx echo.Context) error {
	var data account.NewAccount
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewAccount")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	acct, err := api.svc.Create(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "creating account")
	}
	return ctx.JSON(http.StatusCreated, acct)
}

func (api *accountApi) unlock(ctx echo.Context) error {
	var data UnlockRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UnlockRequest")
	}
	if err := api.validate.Struct(&data); err != nil {
		return err
	}

	if err := api.svc.ClearLockout(ctx.Request().Context(), core.CleanString(data.Identifier, true /* lower */)); err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, SuccessResponse{Success: "Account unlocked."})
}

func (api *accountApi) me(ctx echo.Context) error {
	acct, err := getContextAccount(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context account")
	}
	return ctx.JSON(http.StatusOK, acct)
}
