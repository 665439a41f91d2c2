package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"syscall"

	"golang.org/x/term"

	"github.com/talimhub/talim/core/account"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errHelp = errors.New("help provided")
)

type commandLine struct {
	db      *sql.DB
	acctSvc account.Service
}

func (cli *commandLine) printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  migrate COMMAND [args] - run database migrations (up, down, status, ...)")
	fmt.Println("  addaccount -name NAME -role ROLE [-username USERNAME] [-email EMAIL] [-code ENROLLMENT_CODE] [-classroom CLASSROOM] - enroll a new account")
	fmt.Println("  resetpassword -username IDENTIFIER - reset an account's password")
	fmt.Println("  unlock -username IDENTIFIER - clear an account's failed-login lockout")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	addAccountCmd := flag.NewFlagSet("addaccount", flag.ExitOnError)
	addAccountName := addAccountCmd.String("name", "", "The account's full name.")
	addAccountRole := addAccountCmd.String("role", "", "One of: student, teacher, staff.")
	addAccountUname := addAccountCmd.String("username", "", "The account's username.")
	addAccountEmail := addAccountCmd.String("email", "", "The account's email.")
	addAccountCode := addAccountCmd.String("code", "", "The student's enrollment code.")
	addAccountClass := addAccountCmd.String("classroom", "", "The student's classroom.")

	resetPasswordCmd := flag.NewFlagSet("resetpassword", flag.ExitOnError)
	resetPasswordUname := resetPasswordCmd.String("username", "", "The account's enrollment code, username or email. The password will be prompted next.")

	unlockCmd := flag.NewFlagSet("unlock", flag.ExitOnError)
	unlockUname := unlockCmd.String("username", "", "The account's enrollment code, username or email.")

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])
	case "addaccount":
		if err := addAccountCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *addAccountName == "" || *addAccountRole == "" {
			addAccountCmd.Usage()
			return errHelp
		}
		pwd, err := cli.promptPassword(addAccountCmd)
		if err != nil {
			return err
		}
		return cli.addAccount(*addAccountName, *addAccountRole, *addAccountUname, *addAccountEmail, *addAccountCode, *addAccountClass, pwd)
	case "resetpassword":
		if err := resetPasswordCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *resetPasswordUname == "" {
			resetPasswordCmd.Usage()
			return errHelp
		}
		pwd, err := cli.promptPassword(resetPasswordCmd)
		if err != nil {
			return err
		}
		return cli.resetPassword(*resetPasswordUname, pwd)
	case "unlock":
		if err := unlockCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *unlockUname == "" {
			unlockCmd.Usage()
			return errHelp
		}
		return cli.unlock(*unlockUname)
	default:
		cli.printUsage()
		return errHelp
	}
}

func (cli *commandLine) promptPassword(cmd *flag.FlagSet) (string, error) {
	fmt.Print("Enter password:")
	pwd, err := readPasswordFunc(syscall.Stdin)
	fmt.Println()
	if err != nil {
		return "", err
	}
	if len(pwd) == 0 {
		cmd.Usage()
		return "", errHelp
	}
	return string(pwd), nil
}
