package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/skillgate/skillgate/internal/database"
	"github.com/skillgate/skillgate/internal/keyfile"
	"github.com/skillgate/skillgate/internal/licensing"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an RS256 signing key pair",
	Long: `Generates a 2048-bit RSA signing key and writes:
  <dir>/signing.pem   private key (0600), optionally passphrase-encrypted
  <dir>/public.pem    public key (PEM)
  <dir>/public.jwk    public key (JWK)

Either public form can be used as license.public_key.`,
	RunE: runKeygen,
}

var issueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a signed license token",
	RunE:  runIssue,
}

var rotateCmd = &cobra.Command{
	Use:   "rotate <token>",
	Short: "Re-sign an existing token with a new signing key",
	Long: `Re-signs a token with the given key, keeping its claims. The old
signature is not checked. Pass "-" to read the token from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: runRotate,
}

var issuancesCmd = &cobra.Command{
	Use:   "issuances [customer]",
	Short: "List issued tokens recorded in the database",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runIssuances,
}

func init() {
	keygenCmd.Flags().String("dir", "./keys", "Directory for the key files")
	keygenCmd.Flags().Bool("encrypt", false, "Encrypt the private key with a passphrase")

	for _, c := range []*cobra.Command{issueCmd, rotateCmd} {
		c.Flags().String("key", "./keys/signing.pem", "Signing private key")
		c.Flags().Bool("no-record", false, "Do not record the token in the database")
	}
	issueCmd.Flags().String("tier", "", "License tier (individual, team, enterprise)")
	issueCmd.Flags().String("customer", "", "Customer id")
	issueCmd.Flags().Int("days", 365, "Validity in days")
	issueCmd.Flags().StringSlice("feature", nil, "Extra feature grants")
	issueCmd.Flags().Int64("quota", 0, "Monthly unit hint carried in the token")
	issueCmd.MarkFlagRequired("tier")
	issueCmd.MarkFlagRequired("customer")

	issuancesCmd.Flags().Int("limit", 50, "Maximum rows")
	issuancesCmd.Flags().Bool("json", false, "Print JSON")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	encrypt, _ := cmd.Flags().GetBool("encrypt")

	var pass []byte
	if encrypt {
		var err error
		if pass, err = newPassphrase(); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	key, err := licensing.GenerateKeyPair()
	if err != nil {
		return err
	}
	kid, err := licensing.KeyID(&key.PublicKey)
	if err != nil {
		return err
	}

	privPath := filepath.Join(dir, "signing.pem")
	pubPath := filepath.Join(dir, "public.pem")
	jwkPath := filepath.Join(dir, "public.jwk")
	if err := keyfile.WritePrivate(privPath, key, pass); err != nil {
		return err
	}
	if err := keyfile.WritePublic(pubPath, jwkPath, &key.PublicKey); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Key id:      %s\n", kid)
	fmt.Fprintf(out, "Private key: %s", privPath)
	if encrypt {
		fmt.Fprint(out, " (encrypted)")
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Public key:  %s, %s\n", pubPath, jwkPath)
	return nil
}

func runIssue(cmd *cobra.Command, args []string) error {
	keyPath, _ := cmd.Flags().GetString("key")
	tierName, _ := cmd.Flags().GetString("tier")
	customer, _ := cmd.Flags().GetString("customer")
	days, _ := cmd.Flags().GetInt("days")
	extra, _ := cmd.Flags().GetStringSlice("feature")
	quota, _ := cmd.Flags().GetInt64("quota")

	tier, err := licensing.ParseTier(tierName)
	if err != nil {
		return err
	}
	if days <= 0 {
		return fmt.Errorf("--days must be positive")
	}
	key, err := keyfile.ReadPrivate(keyPath, keyPassphrase)
	if err != nil {
		return fmt.Errorf("failed to load signing key: %w", err)
	}

	gen := licensing.NewGenerator(cfg.License.Issuer, cfg.License.Audience)
	p := gen.TierPayload(tier, customer, time.Duration(days)*24*time.Hour)
	for _, f := range extra {
		feature := licensing.Feature(strings.TrimSpace(f))
		if !feature.Known() {
			return fmt.Errorf("unknown feature %q", f)
		}
		if !slices.Contains(p.Features, feature) {
			p.Features = append(p.Features, feature)
		}
	}
	if quota > 0 {
		p.QuotaHint = &quota
	}

	token, err := gen.Issue(p, key)
	if err != nil {
		return err
	}

	if noRecord, _ := cmd.Flags().GetBool("no-record"); !noRecord {
		record(cmd.Context(), &database.Issuance{
			Fingerprint: licensing.Fingerprint(token),
			CustomerID:  customer,
			Tier:        tier.String(),
			IssuedAt:    p.IssuedAt,
			ExpiresAt:   p.ExpiresAt,
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func readTokenArg(arg string, stdin io.Reader) (string, error) {
	if arg != "-" {
		return strings.TrimSpace(arg), nil
	}
	data, err := io.ReadAll(io.LimitReader(stdin, 1<<20))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func runRotate(cmd *cobra.Command, args []string) error {
	keyPath, _ := cmd.Flags().GetString("key")
	existing, err := readTokenArg(args[0], cmd.InOrStdin())
	if err != nil {
		return err
	}
	key, err := keyfile.ReadPrivate(keyPath, keyPassphrase)
	if err != nil {
		return fmt.Errorf("failed to load signing key: %w", err)
	}

	token, err := licensing.NewGenerator(cfg.License.Issuer, cfg.License.Audience).Rotate(key, existing)
	if err != nil {
		return err
	}

	if noRecord, _ := cmd.Flags().GetBool("no-record"); !noRecord {
		v := licensing.NewValidator(licensing.NewStaticKeyStore(&key.PublicKey), validatorConfig(cfg.License))
		if lic, err := v.Verify(token); err == nil {
			record(cmd.Context(), &database.Issuance{
				Fingerprint: licensing.Fingerprint(token),
				CustomerID:  lic.CustomerID,
				Tier:        lic.Tier.String(),
				IssuedAt:    lic.IssuedAt,
				ExpiresAt:   lic.ExpiresAt,
				RotatedFrom: licensing.Fingerprint(existing),
			})
		} else {
			log.Warn().Err(err).Msg("Rotated token does not verify; not recorded")
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

// record stores an issuance in the SQLite database at quota.sqlite_path.
// Failures are logged; the token is still printed.
func record(ctx context.Context, i *database.Issuance) {
	db, err := openDatabase(cfg.Quota.SQLitePath)
	if err != nil {
		log.Warn().Err(err).Msg("Issuance not recorded")
		return
	}
	defer db.Close()

	i.ID = uuid.NewString()
	if err := db.InsertIssuance(ctx, i); err != nil {
		log.Warn().Err(err).Msg("Issuance not recorded")
		return
	}
	log.Debug().Str("fingerprint", i.Fingerprint).Str("customer_id", i.CustomerID).Msg("Issuance recorded")
}

func runIssuances(cmd *cobra.Command, args []string) error {
	customer := ""
	if len(args) == 1 {
		customer = args[0]
	}
	limit, _ := cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")

	db, err := openDatabase(cfg.Quota.SQLitePath)
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.ListIssuances(cmd.Context(), customer, limit)
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FINGERPRINT\tCUSTOMER\tTIER\tISSUED\tEXPIRES\tROTATED FROM")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Fingerprint, r.CustomerID, r.Tier,
			r.IssuedAt.Format(time.DateOnly), r.ExpiresAt.Format(time.DateOnly), r.RotatedFrom)
	}
	return tw.Flush()
}
