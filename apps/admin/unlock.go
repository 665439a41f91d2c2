package main

import (
	"context"
)

func (cli *commandLine) unlock(identifier string) error {
	return cli.acctSvc.ClearLockout(context.Background(), identifier)
}
