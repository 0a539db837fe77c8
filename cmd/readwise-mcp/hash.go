package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

func newHashSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-secret",
		Short: "Read a client secret from stdin and print its bcrypt hash",
		Long: `hash-secret prints a bcrypt hash suitable for MCP_CLIENT_SECRET or
the secret half of an MCP_ADDITIONAL_CLIENTS entry.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprint(cmd.ErrOrStderr(), "Enter secret: ")

			hash, err := hashSecret(cmd.InOrStdin())
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), hash)

			return nil
		},
	}
}

// hashSecret bcrypt-hashes the first line of r.
func hashSecret(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}

		return "", errors.New("no input")
	}

	secret := strings.TrimRight(scanner.Text(), "\r")
	if secret == "" {
		return "", errors.New("secret must not be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing secret: %w", err)
	}

	return string(hash), nil
}
