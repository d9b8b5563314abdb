package main

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/term"
)

// PassphraseEnv supplies the signing key passphrase non-interactively.
const PassphraseEnv = "SKILLGATE_KEY_PASSPHRASE"

var errNoTerminal = errors.New("passphrase required: set " + PassphraseEnv + " or run from a terminal")

func readPassphrase(prompt string) ([]byte, error) {
	if v, ok := os.LookupEnv(PassphraseEnv); ok {
		return []byte(v), nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return nil, errNoTerminal
	}
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}
	return pass, nil
}

// newPassphrase asks twice when prompting interactively.
func newPassphrase() ([]byte, error) {
	if v, ok := os.LookupEnv(PassphraseEnv); ok {
		return []byte(v), nil
	}
	pass, err := readPassphrase("Passphrase (min 8 characters): ")
	if err != nil {
		return nil, err
	}
	if len(pass) < 8 {
		return nil, errors.New("passphrase must be at least 8 characters")
	}
	confirm, err := readPassphrase("Confirm passphrase: ")
	if err != nil {
		return nil, err
	}
	if string(pass) != string(confirm) {
		return nil, errors.New("passphrases do not match")
	}
	return pass, nil
}

func keyPassphrase() ([]byte, error) {
	return readPassphrase("Signing key passphrase: ")
}
