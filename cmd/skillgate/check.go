package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/skillgate/skillgate/internal/denial"
	"github.com/skillgate/skillgate/internal/entitlement"
	"github.com/skillgate/skillgate/internal/licensing"
)

// errDenied makes the process exit non-zero after the denial was printed.
var errDenied = errors.New("denied")

var verifyCmd = &cobra.Command{
	Use:   "verify [token]",
	Short: "Verify a license token",
	Long: `Verifies a token against the configured public key. Without an
argument the configured license is checked; "-" reads the token from stdin.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runVerify,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check whether a feature or operation is available",
}

var checkFeatureCmd = &cobra.Command{
	Use:   "feature <name>",
	Short: "Check a feature against the configured license",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCheck(cmd, func(e *entitlement.Engine) entitlement.CheckResult {
			return e.CheckFeature(licensing.Feature(args[0]))
		})
	},
}

var checkToolCmd = &cobra.Command{
	Use:   "tool <operation>",
	Short: "Check an operation against the configured license",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCheck(cmd, func(e *entitlement.Engine) entitlement.CheckResult {
			return e.CheckTool(args[0])
		})
	},
}

var checkListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known features and operations",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Features:")
		for _, f := range licensing.AllFeatures() {
			tier, _ := licensing.RequiredTier(f)
			fmt.Fprintf(out, "  %-22s %-11s %s\n", f, tier, f.DisplayName())
		}
		fmt.Fprintln(out, "Operations:")
		for _, op := range entitlement.Operations() {
			f, _ := entitlement.FeatureForOperation(op)
			if f == "" {
				f = "-"
			}
			fmt.Fprintf(out, "  %-26s %s\n", op, f)
		}
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage [customer]",
	Short: "Show metered usage in the current window",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runUsage,
}

func init() {
	checkCmd.AddCommand(checkFeatureCmd, checkToolCmd, checkListCmd)
	for _, c := range []*cobra.Command{verifyCmd, checkFeatureCmd, checkToolCmd, usageCmd} {
		c.Flags().Bool("json", false, "Print JSON")
	}
	checkCmd.PersistentFlags().Bool("recover", false, "Attempt automatic recovery when denied")
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runVerify(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var res entitlement.ValidationResult
	if len(args) == 1 {
		token, err := readTokenArg(args[0], cmd.InOrStdin())
		if err != nil {
			return err
		}
		res = a.engine.Validate(token)
	} else {
		info, err := a.engine.RequireLicense()
		if err != nil {
			d, ok := denial.As(err)
			if !ok {
				d = a.engine.Denials().Unknown(err)
			}
			p := d.Payload()
			res = entitlement.ValidationResult{Error: &p, Denial: d}
		} else {
			res = a.engine.Validate(info.License().RawToken)
		}
	}

	out := cmd.OutOrStdout()
	if asJSON {
		if err := writeJSON(out, res); err != nil {
			return err
		}
	} else if res.Valid {
		lic := res.License
		fmt.Fprintln(out, "License valid")
		fmt.Fprintf(out, "  Tier:      %s\n", lic.Tier.DisplayName())
		fmt.Fprintf(out, "  Customer:  %s\n", lic.CustomerID)
		fmt.Fprintf(out, "  Expires:   %s (%d days)\n", lic.ExpiresAt.Format(time.RFC3339), res.DaysRemaining)
		fmt.Fprintf(out, "  Features:  %s\n", joinFeatures(res.Features))
		if lic.QuotaHint != nil {
			fmt.Fprintf(out, "  Quota:     %d units/month\n", *lic.QuotaHint)
		}
		fmt.Fprintf(out, "  Token:     %s\n", lic.Fingerprint())
		if res.Warning != "" {
			fmt.Fprintf(out, "Warning: %s\n", res.Warning)
		}
	} else {
		fmt.Fprintln(cmd.ErrOrStderr(), res.Denial.Text())
	}
	if !res.Valid {
		return errDenied
	}
	return nil
}

func joinFeatures(fs []licensing.Feature) string {
	if len(fs) == 0 {
		return "-"
	}
	names := make([]string, len(fs))
	for i, f := range fs {
		names[i] = string(f)
	}
	return strings.Join(names, ", ")
}

func runCheck(cmd *cobra.Command, check func(*entitlement.Engine) entitlement.CheckResult) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	tryRecover, _ := cmd.Flags().GetBool("recover")

	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	res := check(a.engine)
	if !res.Valid && tryRecover {
		obs := denial.ObserverFunc(func(r denial.AttemptRecord) {
			status := "ok"
			if r.Error != "" {
				status = r.Error
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "recovery attempt %d (%s): %s\n", r.Attempt, r.Action, status)
		})
		if out := a.engine.Recover(cmd.Context(), res.Denial, obs); out.Recovered {
			res = check(a.engine)
		}
	}

	out := cmd.OutOrStdout()
	if asJSON {
		if err := writeJSON(out, res); err != nil {
			return err
		}
	} else if res.Valid {
		fmt.Fprintln(out, "allowed")
		if res.Warning != "" {
			fmt.Fprintf(out, "Warning: %s\n", res.Warning)
		}
	} else {
		fmt.Fprintln(cmd.ErrOrStderr(), res.Denial.Text())
		if p := a.engine.UpgradePrompt(res.Denial); p != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "\n%s\n", p.Title)
		}
	}
	if !res.Valid {
		return errDenied
	}
	return nil
}

func runUsage(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	customer := ""
	if len(args) == 1 {
		customer = args[0]
	}

	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	u, err := a.engine.Usage(cmd.Context(), customer)
	if err != nil {
		if d, ok := denial.As(err); ok {
			fmt.Fprintln(cmd.ErrOrStderr(), d.Text())
			return errDenied
		}
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, u)
	}
	limit := "unlimited"
	if u.Limit >= 0 {
		limit = fmt.Sprintf("%d", u.Limit)
	}
	fmt.Fprintf(out, "Customer:  %s\n", u.CustomerID)
	fmt.Fprintf(out, "Used:      %d / %s units\n", u.Used, limit)
	fmt.Fprintf(out, "Window:    %s to %s\n", u.WindowStart.Format(time.DateOnly), u.WindowEnd.Format(time.DateOnly))
	if u.Threshold > 0 {
		fmt.Fprintf(out, "Warning:   %d%% of the monthly quota used\n", u.Threshold)
	}
	return nil
}
