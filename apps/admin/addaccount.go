package main

import (
	"context"

	"github.com/talimhub/talim/core"
	"github.com/talimhub/talim/core/account"
)

// addAccount enrolls a new account.Account
func (cli *commandLine) addAccount(name, role, uname, email, code, classRoom, pwd string) error {
	ctx := context.Background()
	na := account.NewAccount{
		Name:            core.CleanString(name),
		Username:        core.CleanString(uname, true /* lower */),
		Email:           core.CleanString(email, true /* lower */),
		EnrollmentCode:  core.CleanString(code, true /* lower */),
		Role:            core.CleanString(role, true /* lower */),
		ClassRoom:       core.CleanString(classRoom),
		Password:        pwd,
		PasswordConfirm: pwd,
	}
	_, err := cli.acctSvc.Create(ctx, na)
	return err
}
