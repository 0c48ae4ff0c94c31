// Command tokengen issues access tokens accepted by the gateway when auth.jwt.secret is set.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/charlesng35/collabhub/internal/app"
	iauth "github.com/charlesng35/collabhub/internal/auth"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := app.NewFlagSet("collabhub-tokengen")
	fs.SetOutput(out)
	user := fs.String("user", "", "user id placed in the uid and sub claims (required)")
	name := fs.String("name", "", "display name")
	docs := fs.StringSlice("doc", nil, "restrict the token to these documents (repeatable)")
	audience := fs.StringSlice("audience", nil, "audience claim values")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := app.LoadConfigWithFlags(fs)
	if err != nil {
		return err
	}
	if !cfg.Auth.Enabled() {
		return errors.New("auth.jwt.secret is not configured")
	}

	svc, err := iauth.NewJWTService(cfg.Auth.JWTServiceConfig())
	if err != nil {
		return err
	}
	token, err := svc.GenerateAccessToken(iauth.AccessTokenInput{
		UserID:    *user,
		Name:      *name,
		Documents: *docs,
		Audience:  *audience,
	})
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(out, token)
	return err
}
