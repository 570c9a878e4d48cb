package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/firetree/firetree/pkg/auth"
)

func newTokenCmd(flags *GlobalFlags) *cobra.Command {
	var reveal bool
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Acquire an access token and print its details",
		Long: `Exchange a signed assertion for an access token and print it.

The token is masked unless --reveal is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, flags)
			if err != nil {
				return err
			}
			defer s.close()

			tok, err := s.authenticate(cmd.Context())
			if err != nil {
				return err
			}
			return printToken(cmd, flags, tok, reveal)
		},
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "Print the full access token")
	return cmd
}

func printToken(cmd *cobra.Command, flags *GlobalFlags, tok *auth.Token, reveal bool) error {
	shown := maskToken(tok.AccessToken)
	if reveal {
		shown = tok.AccessToken
	}
	out := cmd.OutOrStdout()

	if flags.JSON {
		return json.NewEncoder(out).Encode(map[string]any{
			"access_token": shown,
			"token_type":   tok.TokenType,
			"expires_in":   tok.ExpiresIn,
			"expires_at":   tok.ExpiresAt().UTC().Format(time.RFC3339),
		})
	}
	fmt.Fprintln(out, "Access token:", shown)
	fmt.Fprintln(out, "Token type:  ", tok.TokenType)
	fmt.Fprintln(out, "Expires at:  ", tok.ExpiresAt().UTC().Format(time.RFC3339))
	return nil
}

func maskToken(s string) string {
	const visible = 6
	if len(s) <= visible {
		return "***"
	}
	return s[:visible] + "***"
}

func newAssertionCmd(flags *GlobalFlags) *cobra.Command {
	var decode bool
	cmd := &cobra.Command{
		Use:   "assertion",
		Short: "Print a freshly signed service-account assertion",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			creds, err := cfg.Credentials.Resolve()
			if err != nil {
				return fmt.Errorf("resolve credentials: %w", err)
			}

			signer := auth.NewSigner(creds)
			signer.Scope = cfg.Token.Scope
			signer.Audience = cfg.Token.Endpoint
			assertion, err := signer.Assertion()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !decode {
				fmt.Fprintln(out, assertion)
				return nil
			}
			key, err := auth.PublicKeyFromPEM(creds.PrivateKeyPEM)
			if err != nil {
				return err
			}
			claims, err := auth.Verify(assertion, key, signer.Clock())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(claims)
		},
	}
	cmd.Flags().BoolVar(&decode, "claims", false, "Print the verified claims instead of the assertion")
	return cmd
}
