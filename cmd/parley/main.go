package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"go.uber.org/fx"
	"golang.org/x/term"

	"github.com/dmelo/parley/internal/app"
	"github.com/dmelo/parley/internal/config"
	"github.com/dmelo/parley/internal/rest"
	"github.com/dmelo/parley/internal/session"
	"github.com/dmelo/parley/internal/transport"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	serverFlag := flag.String("server", "", "chat server URL (overrides config server_url)")
	loginFlag := flag.Bool("login", false, "force a fresh login even if a token is stored")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fatal(err)
	}

	serverURL := resolveServer(*serverFlag)
	if serverURL == "" {
		fatal(errors.New("no server configured: pass --server or set server_url in " + session.ConfigPath()))
	}

	token, err := session.LoadToken(sessionName)
	if err != nil {
		fatal(err)
	}
	if token == "" || *loginFlag {
		token, err = login(serverURL, sessionName)
		if err != nil {
			fatal(err)
		}
	}

	fxApp := fx.New(
		fx.NopLogger,
		app.Module(app.Params{
			SessionName: sessionName,
			ServerURL:   serverURL,
			Token:       token,
		}),
	)

	fxApp.Run()
}

func resolveServer(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(session.ConfigPath())
	if err == nil && cfg.ServerURL != "" {
		return cfg.ServerURL
	}
	return ""
}

// login prompts for credentials, exchanges them for a token, and stores
// it in the session directory.
func login(serverURL, sessionName string) (string, error) {
	fmt.Fprintf(os.Stderr, "Log in to %s\n", serverURL)

	reader := bufio.NewReader(os.Stdin)
	fmt.Fprint(os.Stderr, "Email or phone: ")
	identifier, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read identifier: %w", err)
	}
	identifier = strings.TrimSpace(identifier)

	fmt.Fprint(os.Stderr, "Password: ")
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := rest.New(serverURL, "")
	sess, err := client.Login(ctx, rest.Credentials{
		Identifier: identifier,
		Password:   string(password),
	})
	var authErr *transport.AuthError
	if errors.As(err, &authErr) {
		return "", fmt.Errorf("login rejected: %s", authErr.Reason)
	}
	if err != nil {
		return "", err
	}

	if err := session.SaveToken(sessionName, sess.Token); err != nil {
		return "", err
	}
	fmt.Fprintf(os.Stderr, "Logged in as %s\n", sess.Name)
	return sess.Token, nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
