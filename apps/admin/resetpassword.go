package main

import (
	"context"
)

func (cli *commandLine) resetPassword(identifier, pwd string) error {
	ctx := context.Background()
	acct, err := cli.acctSvc.GetByIdentifier(ctx, identifier)
	if err != nil {
		return err
	}
	return cli.acctSvc.SetPassword(ctx, acct.ID, pwd)
}
