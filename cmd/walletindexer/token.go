package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ava-labs/wallet-indexer/pkg/progress"
)

func issueToken(c *cli.Context) error {
	token, err := newToken(c.String("jwt-secret"), c.String("jwt-issuer"), c.String("subject"), c.String("wallet-id"), c.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, token)
	return nil
}

func newToken(secret, issuer, subject, walletID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("ttl must be > 0, got %s", ttl)
	}
	v, err := progress.NewJWTVerifier([]byte(secret), progress.WithIssuer(issuer))
	if err != nil {
		return "", err
	}
	return v.Issue(subject, walletID, ttl)
}
