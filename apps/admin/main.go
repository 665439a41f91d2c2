package main

import (
	"log"
	"os"

	"github.com/talimhub/talim/core"
	"github.com/talimhub/talim/core/account"
	emailsvc "github.com/talimhub/talim/services/email"
	logsvc "github.com/talimhub/talim/services/logger"
	"github.com/talimhub/talim/storage/database"
	sqlxrepos "github.com/talimhub/talim/storage/database/sqlx"
)

var logger *log.Logger

func main() {
	defer os.Exit(0)

	logger = log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)

	rollbar := logsvc.NewRollbarLogger(logger, core.Conf)
	rollbar.Enable(false) // operator CLI; report to stdout only

	// set up DB
	db, err := database.Open(core.Conf)
	errAndDie(err)
	defer db.Close()
	errAndDie(db.Ping())

	// start CLI
	cli := commandLine{
		db:      db,
		acctSvc: account.NewService(sqlxrepos.NewAccountRepository(db), emailsvc.NewConsoleService(), rollbar),
	}
	if err := cli.run(os.Args); err != nil {
		if err != errHelp {
			logger.Printf("\nerror: %s\n", err)
		}
		os.Exit(1)
	}
}

func errAndDie(err error) {
	if err != nil {
		logger.Fatal(err)
	}
}
