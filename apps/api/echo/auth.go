package echoapi

import (
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/talimhub/talim/core/account"
)

var (
	contextAuthKey    = "auth"
	contextAccountKey = "account"
)

// ctxAuth is what the access-token middleware stores in the request context:
// the verified claims plus the freshly read account they belong to.
type ctxAuth struct {
	Account account.Account
	Claims  *account.Claims
}

// accessTokenMiddleware verifies the bearer access token through the account
// service, which checks signature, expiry, token type and the current token
// version against a fresh account read.
func accessTokenMiddleware(svc account.Service) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		ContextKey: contextAuthKey,
		ParseTokenFunc: func(ctx echo.Context, auth string) (interface{}, error) {
			acct, claims, err := svc.VerifyAccess(ctx.Request().Context(), auth)
			if err != nil {
				return nil, err
			}
			return ctxAuth{Account: acct, Claims: claims}, nil
		},
	})
}

func getContextAuth(ctx echo.Context) (ctxAuth, error) {
	if auth, ok := ctx.Get(contextAuthKey).(ctxAuth); ok {
		return auth, nil
	}
	return ctxAuth{}, errUnauthorized
}

func getContextAccount(ctx echo.Context) (account.Account, error) {
	if acct, ok := ctx.Get(contextAccountKey).(account.Account); ok {
		return acct, nil
	}
	auth, err := getContextAuth(ctx)
	if err != nil {
		return account.Account{}, errors.Wrap(err, "getting context auth")
	}
	ctx.Set(contextAccountKey, auth.Account)
	return auth.Account, nil
}

func staffMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			acct, err := getContextAccount(ctx)
			if err != nil {
				return errors.Wrap(err, "getting context account")
			}
			if acct.IsStaff() {
				return next(ctx)
			}
			return errHttpForbidden
		}
	}
}
