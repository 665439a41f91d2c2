package account

import (
	"golang.org/x/crypto/bcrypt"

	"github.com/talimhub/talim/core"
)

type serviceMock struct {
	service
}

// NewServiceMock returns a Service wired for tests: a fast hasher and
// synchronous mail delivery through the provided EmailService.
func NewServiceMock(repo Repository, mailSvc core.EmailService, logger core.Logger) Service {
	return &serviceMock{
		service: service{
			repo:    repo,
			mailSvc: mailSvc,
			logger:  logger,
			hasher:  NewHasher(bcrypt.MinCost),
			tokens:  NewTokenIssuer(core.Conf),
			lockout: NewLockoutPolicy(core.Conf),
		},
	}
}
