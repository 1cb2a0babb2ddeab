package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	wden "github.com/luryus/wden"
	"github.com/luryus/wden/profile"
)

// promptSecret reads a line with terminal echo off. The caller owns the
// returned bytes and wipes them after use.
func promptSecret(label string) ([]byte, error) {
	fmt.Fprintf(os.Stderr, "%s: ", label)
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", label, err)
	}
	return secret, nil
}

func promptLine(label string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", label)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", label, err)
	}
	return strings.TrimSpace(line), nil
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// terminalLogin authenticates on a plain terminal: password prompt, then
// a second factor code when the server demands one. Used by the non-TUI
// subcommands; returns the password for a later API-key decrypt when the
// caller asks, otherwise wipes it.
func terminalLogin(ctx context.Context, app *wden.App, data *profile.Data) error {
	password, err := promptSecret("Master password")
	if err != nil {
		return err
	}
	defer wipeBytes(password)

	challenge, err := app.LoginWithPassword(ctx, data.Email, password, wden.LoginOptions{})
	if err != nil {
		return err
	}

	for challenge != nil {
		if challenge.IsCaptcha() {
			return fmt.Errorf("server requires a captcha; log in with an API key instead (wden login)")
		}

		var names []string
		for _, p := range challenge.Providers {
			names = append(names, p.String())
		}
		fmt.Fprintf(os.Stderr, "Two-step login required (%s)\n", strings.Join(names, ", "))

		code, err := promptLine("Code")
		if err != nil {
			return err
		}
		input := &wden.TwoFactorInput{Provider: challenge.Providers[0], Token: code}
		for _, p := range challenge.Providers {
			if p == wden.TwoFactorAuthenticator {
				input.Provider = p
				break
			}
		}

		challenge, err = app.ResolveChallenge(ctx, data.Email, password, challenge, wden.LoginOptions{TwoFactor: input})
		if err != nil {
			return err
		}
	}

	// Persist a freshly issued device token for later logins.
	if token := app.RememberedTwoFactor(); token != "" && token != data.TwoFactorToken {
		data.TwoFactorToken = token
		if err := profileStore.Save(profileName, data); err != nil {
			log.Warn().Err(err).Msg("persisting two-factor device token failed")
		}
	}
	return nil
}
