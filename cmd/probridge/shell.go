package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/heilerich/probridge/internal/bridge"
	"github.com/heilerich/probridge/internal/remote"
)

// shell is the interactive account management surface. It runs alongside
// the listeners and drives the account manager directly.
type shell struct {
	manager  *bridge.Manager
	upstream *remote.Adapter
	in       *bufio.Reader
	out      io.Writer
}

type shellConfig struct {
	Manager  *bridge.Manager
	Upstream *remote.Adapter
	In       io.Reader
	Out      io.Writer
}

func newShell(cfg shellConfig) *shell {
	return &shell{
		manager:  cfg.Manager,
		upstream: cfg.Upstream,
		in:       bufio.NewReader(cfg.In),
		out:      cfg.Out,
	}
}

// run reads commands until exit or EOF.
func (s *shell) run(ctx context.Context) {
	fmt.Fprintln(s.out, "probridge interactive shell. Type help for a list of commands.")

	for {
		fmt.Fprint(s.out, ">>> ")
		line, err := s.in.ReadString('\n')
		if err != nil {
			return
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "help":
			s.printHelp()
		case "login":
			s.login(ctx)
		case "info", "list":
			s.info()
		case "logout":
			s.logout(ctx, fields[1:])
		case "rm", "remove":
			s.remove(ctx, fields[1:])
		case "check":
			s.check(ctx)
		case "exit", "quit":
			return
		default:
			fmt.Fprintf(s.out, "unknown command %q, type help for a list of commands\n", fields[0])
		}
	}
}

func (s *shell) printHelp() {
	fmt.Fprint(s.out, `Commands:
  login              add an account and generate its bridge password
  info               list accounts and their state
  logout <address>   invalidate an account's bridge password
  rm <address>       remove a logged-out account
  check              check connectivity to the upstream server
  exit               leave the shell and stop the bridge
`)
}

func (s *shell) login(ctx context.Context) {
	address := s.prompt("Username: ")
	if address == "" {
		return
	}
	password, err := s.promptSecret("Password: ")
	if err != nil {
		fmt.Fprintf(s.out, "error reading password: %v\n", err)
		return
	}

	bridgePassword, err := s.manager.Login(ctx, address, address, password)
	if err != nil {
		fmt.Fprintf(s.out, "login failed: %v\n", err)
		return
	}

	fmt.Fprintf(s.out, "Account %s was added successfully.\n", address)
	fmt.Fprintln(s.out, "Configure your mail client with the address as username and this bridge password:")
	fmt.Fprintf(s.out, "    %s\n", bridgePassword)
	fmt.Fprintln(s.out, "The bridge password is shown only once. Use logout to invalidate it.")
}

func (s *shell) info() {
	accounts := s.manager.List()
	if len(accounts) == 0 {
		fmt.Fprintln(s.out, "No active accounts.")
		return
	}
	for i, a := range accounts {
		fmt.Fprintf(s.out, "%d: %s (%s), added %s\n",
			i, a.Address, a.State, a.CreatedAt.Format(time.RFC1123))
	}
}

func (s *shell) logout(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(s.out, "usage: logout <address>")
		return
	}
	address := args[0]

	if !s.confirm(fmt.Sprintf("Are you sure you want to logout account %s? [y/N]: ", address)) {
		return
	}

	if err := s.manager.Logout(ctx, address); err != nil {
		fmt.Fprintf(s.out, "logout failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "Account %s was logged out; its bridge password is no longer valid.\n", address)
}

func (s *shell) remove(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(s.out, "usage: rm <address>")
		return
	}
	address := args[0]

	if !s.confirm(fmt.Sprintf("Are you sure you want to remove account %s? [y/N]: ", address)) {
		return
	}
	wipe := s.confirm("Also remove the account's local cache? [y/N]: ")

	if err := s.manager.Remove(ctx, address, wipe); err != nil {
		fmt.Fprintf(s.out, "remove failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "Account %s was removed.\n", address)
}

func (s *shell) check(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := s.upstream.CheckConnection(checkCtx); err != nil {
		fmt.Fprintf(s.out, "Upstream connection failed: %v\n", err)
		return
	}
	fmt.Fprintln(s.out, "Upstream connection ok.")
}

func (s *shell) prompt(label string) string {
	fmt.Fprint(s.out, label)
	line, err := s.in.ReadString('\n')
	if err != nil {
		return ""
	}
	return strings.TrimSpace(line)
}

// promptSecret reads a password without echo when stdin is a terminal,
// falling back to a plain line read otherwise (tests, pipes).
func (s *shell) promptSecret(label string) (string, error) {
	fmt.Fprint(s.out, label)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		secret, err := term.ReadPassword(fd)
		fmt.Fprintln(s.out)
		if err != nil {
			return "", err
		}
		return string(secret), nil
	}

	line, err := s.in.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), nil
}

func (s *shell) confirm(label string) bool {
	answer := strings.ToLower(s.prompt(label))
	return answer == "y" || answer == "yes"
}
