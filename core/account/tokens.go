package account

import (
	"crypto/sha256"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/talimhub/talim/core"
)

// Token kinds carried in the "type" claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

var errTokenInvalid = errors.New("invalid token")

// Claims is the fixed, versioned claim payload for both token kinds. Unknown
// or missing required claims reject verification outright; there is no
// dynamic payload shape.
type Claims struct {
	jwt.RegisteredClaims
	TokenVersion int    `json:"tver"`
	TokenType    string `json:"type"`
	ClassRoom    string `json:"class_room,omitempty"`
}

// TokenIssuer mints and verifies the signed, stateless access and refresh
// tokens. Tokens embed the account's token version at mint time; bumping the
// stored version invalidates every outstanding token regardless of expiry.
type TokenIssuer struct {
	signingKey []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewTokenIssuer(conf *core.Config) *TokenIssuer {
	return &TokenIssuer{
		signingKey: []byte(conf.SecretKey),
		issuer:     conf.AppName,
		accessTTL:  conf.Server.AccessTokenTTL,
		refreshTTL: conf.Server.RefreshTokenTTL,
	}
}

func (ti *TokenIssuer) claims(acct Account, tokenType string, ttl time.Duration) *Claims {
	now := nowFunc().UTC()
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ti.issuer,
			Subject:   acct.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		TokenVersion: acct.TokenVersion,
		TokenType:    tokenType,
		ClassRoom:    acct.ClassRoom,
	}
}

func (ti *TokenIssuer) sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	ss, err := token.SignedString(ti.signingKey)
	return ss, errors.Wrap(err, "signing token")
}

// AccessToken mints a short-lived access token for the account.
func (ti *TokenIssuer) AccessToken(acct Account) (string, error) {
	return ti.sign(ti.claims(acct, TokenTypeAccess, ti.accessTTL))
}

// RefreshToken mints a long-lived refresh token and returns its expiry, which
// the caller persists alongside the token hash.
func (ti *TokenIssuer) RefreshToken(acct Account) (string, time.Time, error) {
	claims := ti.claims(acct, TokenTypeRefresh, ti.refreshTTL)
	ss, err := ti.sign(claims)
	return ss, claims.ExpiresAt.Time, err
}

// Parse verifies signature, expiry and token type. The token-version check
// against the account's current version is left to the caller, which must
// use a fresh read of the account row.
func (ti *TokenIssuer) Parse(tokenStr, wantType string) (*Claims, error) {
	claims := new(Claims)
	token, err := jwt.ParseWithClaims(
		tokenStr, claims,
		func(t *jwt.Token) (interface{}, error) { return ti.signingKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return nowFunc() }),
	)
	if err != nil || !token.Valid {
		return nil, errTokenInvalid
	}
	if claims.TokenType != wantType || claims.Subject == "" {
		return nil, errTokenInvalid
	}
	return claims, nil
}

// HashRefreshToken returns the digest under which a refresh token is stored;
// only the hash ever hits the database.
func HashRefreshToken(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}
