package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jmerrifield20/EvidenceAnchor/internal/ledger"
	"github.com/jmerrifield20/EvidenceAnchor/pkg/client"
	"github.com/jmerrifield20/EvidenceAnchor/pkg/notary"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL    string
	cfgFile      string
	outputFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "anchorctl",
	Short: "EvidenceAnchor CLI",
	Long: `anchorctl registers evidence fingerprints for anchoring, follows their
progress, and verifies them against the ledger.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.anchorctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("anchorctl")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if outputFormat != "text" && outputFormat != "json" {
			return fmt.Errorf("unknown --format %q (want text or json)", outputFormat)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.anchorctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "anchord base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "text", "Output format: text or json")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(resubmitCmd)
	rootCmd.AddCommand(fingerprintCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() (*client.Client, error) {
	opts := []client.Option{}
	if secret := viper.GetString("admin_secret"); secret != "" {
		opts = append(opts, client.WithAdminSecret(secret))
	}
	return client.New(serverURL, opts...)
}

// ── submit ───────────────────────────────────────────────────────────────────

var (
	submitFile     string
	submitJSON     string
	submitMetadata string
	submitWait     bool
	submitTimeout  time.Duration
	submitPoll     time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit [fingerprint]",
	Short: "Register a fingerprint for anchoring",
	Long: `Submit registers one fingerprint. It can be given directly, or computed
from a file (--file) or a JSON document (--json, canonicalised first):

  anchorctl submit 0x9f86d08...
  anchorctl submit --file report.pdf --metadata case-1138
  anchorctl submit --json findings.json --wait`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitFile, "file", "", "Fingerprint this file")
	submitCmd.Flags().StringVar(&submitJSON, "json", "", "Fingerprint this JSON document in canonical form")
	submitCmd.Flags().StringVar(&submitMetadata, "metadata", "", "Metadata stored with the anchor")
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "Wait until the record is confirmed or failed")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 10*time.Minute, "Maximum time to wait with --wait")
	submitCmd.Flags().DurationVar(&submitPoll, "poll", 5*time.Second, "Poll interval with --wait")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	fp, err := fingerprintFromArgs(args, submitFile, submitJSON)
	if err != nil {
		return err
	}

	c, err := client.New(serverURL, client.WithPollInterval(submitPoll))
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	res, err := c.Submit(ctx, fp.String(), submitMetadata)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	rec := res.Record
	if submitWait && !rec.Terminal() {
		wctx, cancel := context.WithTimeout(ctx, submitTimeout)
		defer cancel()
		rec, err = c.WaitConfirmed(wctx, fp.String())
		if err != nil {
			return fmt.Errorf("wait for confirmation: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	if outputFormat == "json" {
		return printJSON(out, client.SubmitResult{Record: rec, Duplicate: res.Duplicate})
	}
	if res.Duplicate {
		fmt.Fprintln(out, "Already registered; existing record returned.")
	}
	printRecord(out, rec)
	return nil
}

// fingerprintFromArgs takes exactly one source: a literal, a file or a JSON document.
func fingerprintFromArgs(args []string, file, jsonPath string) (ledger.Fingerprint, error) {
	sources := 0
	for _, set := range []bool{len(args) == 1, file != "", jsonPath != ""} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		return ledger.Fingerprint{}, errors.New("give exactly one of: a fingerprint argument, --file, --json")
	}

	switch {
	case file != "":
		return notary.FingerprintFile(file)
	case jsonPath != "":
		raw, err := os.ReadFile(jsonPath)
		if err != nil {
			return ledger.Fingerprint{}, err
		}
		return notary.FingerprintJSON(json.RawMessage(raw))
	default:
		return ledger.ParseFingerprint(args[0])
	}
}

// ── batch ────────────────────────────────────────────────────────────────────

var batchMetadata []string

var batchCmd = &cobra.Command{
	Use:   "batch <fingerprint> [fingerprint] ...",
	Short: "Register up to 100 fingerprints written together",
	Args:  cobra.RangeArgs(1, ledger.MaxBatchSize),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, a := range args {
			if _, err := ledger.ParseFingerprint(a); err != nil {
				return fmt.Errorf("invalid fingerprint %q: %w", a, err)
			}
		}
		var meta []string
		if len(batchMetadata) > 0 {
			if len(batchMetadata) != len(args) {
				return fmt.Errorf("--metadata given %d times for %d fingerprints", len(batchMetadata), len(args))
			}
			meta = batchMetadata
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		items, err := c.SubmitBatch(cmd.Context(), args, meta)
		if err != nil {
			return fmt.Errorf("submit batch: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputFormat == "json" {
			return printJSON(out, items)
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "#\tFINGERPRINT\tSTATUS\tDUPLICATE\tERROR")
		for _, it := range items {
			fp, status := args[it.Index], ""
			if it.Record != nil {
				status = it.Record.Status
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s\n", it.Index, fp, status, it.Duplicate, it.Error)
		}
		return w.Flush()
	},
}

func init() {
	batchCmd.Flags().StringArrayVar(&batchMetadata, "metadata", nil, "Metadata per fingerprint, repeated in order")
}

// ── status / list ────────────────────────────────────────────────────────────

var statusCmd = &cobra.Command{
	Use:   "status <fingerprint>",
	Short: "Show the anchor record for a fingerprint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		rec, err := c.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(cmd.OutOrStdout(), rec)
		}
		printRecord(cmd.OutOrStdout(), rec)
		return nil
	},
}

var (
	listStatus string
	listLimit  int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List anchor records, optionally by status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		recs, err := c.List(cmd.Context(), listStatus, listLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if outputFormat == "json" {
			return printJSON(out, recs)
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "FINGERPRINT\tSTATUS\tCHAIN TIME\tREF")
		for _, r := range recs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Fingerprint, r.Status, chainTime(r.ChainTimestamp), r.SubmissionRef)
		}
		return w.Flush()
	},
}

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status (pending, submitting, submitted, confirmed, failed)")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum records to list")
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyExpected uint64

var verifyCmd = &cobra.Command{
	Use:   "verify <fingerprint>",
	Short: "Check a fingerprint against the ledger",
	Long: `Verify asks the ledger whether a fingerprint is anchored. With --expected
it also checks that the anchor carries exactly that Unix timestamp.

The answer proves when the fingerprint was recorded; it says nothing about
the content it was computed from.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		v, err := c.Verify(cmd.Context(), args[0], verifyExpected)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if outputFormat == "json" {
			return printJSON(out, v)
		}
		fmt.Fprintf(out, "Fingerprint: %s\n", v.Fingerprint)
		fmt.Fprintf(out, "Anchored:    %t\n", v.IsAnchored)
		if v.IsAnchored {
			ts := v.ChainTimestamp
			fmt.Fprintf(out, "Chain time:  %s\n", chainTime(&ts))
		}
		if verifyExpected != 0 {
			fmt.Fprintf(out, "Matches:     %t\n", v.MatchesExpected)
		}
		if v.Status != "" {
			fmt.Fprintf(out, "Local state: %s\n", v.Status)
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().Uint64Var(&verifyExpected, "expected", 0, "Expected chain timestamp (Unix seconds)")
}

// ── resubmit ─────────────────────────────────────────────────────────────────

var resubmitCmd = &cobra.Command{
	Use:   "resubmit <fingerprint>",
	Short: "Move a failed record back to pending (operator)",
	Long: `Resubmit asks anchord to retry a Failed record. When the server has an
admin secret configured, set admin_secret in the config file or
ANCHORCTL_ADMIN_SECRET in the environment.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		rec, err := c.Resubmit(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(cmd.OutOrStdout(), rec)
		}
		printRecord(cmd.OutOrStdout(), rec)
		return nil
	},
}

// ── fingerprint ──────────────────────────────────────────────────────────────

var fingerprintAsJSON bool

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint <file>",
	Short: "Compute the fingerprint of a file locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			fp  ledger.Fingerprint
			err error
		)
		if fingerprintAsJSON {
			fp, err = fingerprintFromArgs(nil, "", args[0])
		} else {
			fp, err = fingerprintFromArgs(nil, args[0], "")
		}
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(cmd.OutOrStdout(), map[string]string{"file": args[0], "fingerprint": fp.String()})
		}
		fmt.Fprintln(cmd.OutOrStdout(), fp.String())
		return nil
	},
}

func init() {
	fingerprintCmd.Flags().BoolVar(&fingerprintAsJSON, "json", false, "Treat the file as JSON and hash its canonical form")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the anchorctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "anchorctl %s\n", version)
	},
}

// ── output helpers ───────────────────────────────────────────────────────────

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRecord(w io.Writer, r *client.Record) {
	fmt.Fprintf(w, "Fingerprint: %s\n", r.Fingerprint)
	fmt.Fprintf(w, "Status:      %s\n", r.Status)
	if r.Metadata != "" {
		fmt.Fprintf(w, "Metadata:    %s\n", r.Metadata)
	}
	if r.SubmissionRef != "" {
		fmt.Fprintf(w, "Ref:         %s\n", r.SubmissionRef)
	}
	if r.ChainTimestamp != nil {
		fmt.Fprintf(w, "Chain time:  %s\n", chainTime(r.ChainTimestamp))
	}
	if r.FailureReason != "" {
		fmt.Fprintf(w, "Failure:     %s (%s)\n", r.FailureReason, r.LastError)
	}
}

func chainTime(ts *uint64) string {
	if ts == nil {
		return ""
	}
	return fmt.Sprintf("%d (%s)", *ts, time.Unix(int64(*ts), 0).UTC().Format(time.RFC3339))
}
