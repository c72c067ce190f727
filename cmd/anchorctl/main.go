package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/safetrip/idanchor/pkg/client"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	cfgFile   string
	token     string
	asJSON    bool
	timeout   time.Duration
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "anchorctl",
	Short: "idanchor command-line client",
	Long: `anchorctl talks to an anchord server: it hashes and anchors identity
records, records audit actions and reports their on-chain verification status.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".idanchor"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("anchorctl")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if token == "" {
			token = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.idanchor/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "anchord base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "bearer token sent with every request")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print raw JSON")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")

	rootCmd.AddCommand(hashCmd, anchorCmd, getCmd, cancelCmd, waitCmd)
	rootCmd.AddCommand(recordCmd, verifyCmd, statusCmd, anchoringCmd)
	rootCmd.AddCommand(historyCmd, auditCmd, discrepanciesCmd, healthCmd, versionCmd)
}

func newClient() (*client.Client, error) {
	opts := []client.Option{client.WithTimeout(timeout)}
	if token != "" {
		opts = append(opts, client.WithBearerToken(token))
	}
	return client.New(serverURL, opts...)
}

// readRecord loads an identity record from path, or from stdin when path is "-".
func readRecord(path string) (client.IdentityRecord, error) {
	var rec client.IdentityRecord
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return rec, err
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(&rec); err != nil {
		return rec, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTransaction(tx *client.Transaction) {
	fmt.Printf("ID:        %s\n", tx.ID)
	fmt.Printf("Owner:     %s\n", tx.OwnerID)
	fmt.Printf("Hash:      %s\n", tx.Hash)
	fmt.Printf("State:     %s\n", tx.State)
	fmt.Printf("Attempts:  %d\n", tx.Attempts)
	if tx.TxRef != "" {
		fmt.Printf("Tx ref:    %s\n", tx.TxRef)
	}
	if tx.BlockRef != "" {
		fmt.Printf("Block:     %s\n", tx.BlockRef)
	}
	if tx.FailureReason != "" {
		fmt.Printf("Reason:    %s\n", tx.FailureReason)
	}
	if tx.SupersededBy != "" {
		fmt.Printf("Replaced:  %s\n", tx.SupersededBy)
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

// ── hash / anchor ────────────────────────────────────────────────────────────

var hashCmd = &cobra.Command{
	Use:   "hash <record.json|->",
	Short: "Compute the canonical hash of an identity record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := readRecord(args[0])
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		hash, err := c.HashIdentity(cmd.Context(), rec)
		if err != nil {
			return fmt.Errorf("hash record: %w", err)
		}
		if asJSON {
			return printJSON(map[string]string{"hash": hash})
		}
		fmt.Println(hash)
		return nil
	},
}

var anchorWait bool

var anchorCmd = &cobra.Command{
	Use:   "anchor <record.json|->",
	Short: "Anchor an identity record's hash on the ledger",
	Long: `anchor submits the record's canonical hash for its owner. Any in-flight
anchoring for the same owner is superseded. With --wait the command polls
until the transaction reaches a terminal state.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := readRecord(args[0])
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.AnchorIdentity(cmd.Context(), rec)
		if err != nil {
			return fmt.Errorf("anchor record: %w", err)
		}
		tx := res.Transaction
		if anchorWait && !tx.Terminal() {
			if tx, err = c.WaitForConfirmation(cmd.Context(), tx.ID, 2*time.Second); err != nil {
				return fmt.Errorf("wait for confirmation: %w", err)
			}
		}
		if asJSON {
			return printJSON(client.AnchorResult{Hash: res.Hash, Transaction: tx})
		}
		printTransaction(tx)
		return nil
	},
}

func init() {
	anchorCmd.Flags().BoolVar(&anchorWait, "wait", false, "poll until the transaction is confirmed or failed")
}

// ── transactions ─────────────────────────────────────────────────────────────

var getCmd = &cobra.Command{
	Use:   "get <transaction-id>",
	Short: "Show an anchoring transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		tx, err := c.GetAnchor(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(tx)
		}
		printTransaction(tx)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <transaction-id>",
	Short: "Cancel an in-flight anchoring transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.CancelAnchor(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("cancel: %w", err)
		}
		if asJSON {
			return printJSON(res)
		}
		printTransaction(res.Transaction)
		if res.LedgerWriteDispatched {
			fmt.Println("\nNote: the ledger write was already dispatched and may still land; only tracking stopped.")
		}
		return nil
	},
}

var waitInterval time.Duration

var waitCmd = &cobra.Command{
	Use:   "wait <transaction-id>",
	Short: "Wait until a transaction is confirmed, failed or superseded",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		// The request timeout does not bound the whole wait.
		tx, err := c.WaitForConfirmation(cmd.Context(), args[0], waitInterval)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(tx)
		}
		printTransaction(tx)
		return nil
	},
}

func init() {
	waitCmd.Flags().DurationVar(&waitInterval, "interval", 2*time.Second, "poll interval")
}

// ── audit ────────────────────────────────────────────────────────────────────

var recordCmd = &cobra.Command{
	Use:   "record <action> <owner-id> <hash>",
	Short: "Record an administrative action in the audit log",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		e, err := c.RecordAction(cmd.Context(), args[0], args[1], args[2])
		if err != nil {
			return fmt.Errorf("record action: %w", err)
		}
		if asJSON {
			return printJSON(e)
		}
		fmt.Printf("✓ Recorded %s for %s\n", e.Action, e.OwnerID)
		fmt.Printf("  Entry: %s\n", e.ID)
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <entry-id>",
	Short: "Reconcile an audit entry against the ledger now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		out, err := c.VerifyEntry(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("verify entry: %w", err)
		}
		if asJSON {
			return printJSON(out)
		}
		fmt.Printf("Result:       %s\n", out.Result)
		fmt.Printf("Entry hash:   %s\n", out.Entry.Hash)
		if out.LedgerHash != "" {
			fmt.Printf("Ledger hash:  %s\n", out.LedgerHash)
		}
		fmt.Printf("On chain:     %t\n", out.Entry.VerifiedOnChain)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <owner-id>",
	Short: "Show the verification status of an owner's latest audit entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		st, err := c.VerificationStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(st)
		}
		fmt.Printf("Owner:        %s\n", st.OwnerID)
		fmt.Printf("Entry:        %s\n", st.EntryID)
		fmt.Printf("Hash:         %s\n", st.Hash)
		fmt.Printf("On chain:     %t\n", st.VerifiedOnChain)
		fmt.Printf("Reconciled:   %s\n", formatTime(st.LastReconciledAt))
		if st.LastResult != "" {
			fmt.Printf("Last result:  %s\n", st.LastResult)
		}
		return nil
	},
}

var anchoringCmd = &cobra.Command{
	Use:   "anchoring <owner-id>",
	Short: "Show an owner's current anchoring transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		st, err := c.AnchoringState(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(st)
		}
		fmt.Printf("Owner:        %s\n", st.OwnerID)
		fmt.Printf("Transaction:  %s\n", st.TransactionID)
		fmt.Printf("State:        %s\n", st.State)
		fmt.Printf("Hash:         %s\n", st.Hash)
		fmt.Printf("Attempts:     %d\n", st.Attempts)
		if st.FailureReason != "" {
			fmt.Printf("Reason:       %s\n", st.FailureReason)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <owner-id>",
	Short: "List every anchoring transaction of an owner",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		txs, err := c.AnchorHistory(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(txs)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATE\tATTEMPTS\tCREATED\tHASH")
		for _, tx := range txs {
			created := tx.CreatedAt
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", tx.ID, tx.State, tx.Attempts, formatTime(&created), tx.Hash)
		}
		return w.Flush()
	},
}

var auditLimit int

var auditCmd = &cobra.Command{
	Use:   "audit <owner-id>",
	Short: "List an owner's audit entries, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		entries, err := c.AuditHistory(cmd.Context(), args[0], auditLimit)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(entries)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tACTION\tON CHAIN\tRESULT\tRECONCILED")
		for _, e := range entries {
			result := e.LastResult
			if result == "" {
				result = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", e.ID, e.Action, e.VerifiedOnChain, result, formatTime(e.LastReconciledAt))
		}
		return w.Flush()
	},
}

func init() {
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum entries to list (1-500)")
}

var discrepanciesCmd = &cobra.Command{
	Use:   "discrepancies <owner-id>",
	Short: "List audit entries whose hash differed from the ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ds, err := c.Discrepancies(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(ds)
		}
		if len(ds) == 0 {
			fmt.Println("No discrepancies.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ENTRY\tDETECTED\tENTRY HASH\tLEDGER HASH")
		for _, d := range ds {
			detected := d.DetectedAt
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.EntryID, formatTime(&detected), d.EntryHash, d.LedgerHash)
		}
		return w.Flush()
	},
}

// ── health / version ─────────────────────────────────────────────────────────

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show the server's readiness and dependency status",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		h, herr := c.Health(cmd.Context())
		if h == nil {
			return herr
		}
		if asJSON {
			if err := printJSON(h); err != nil {
				return err
			}
			return herr
		}
		fmt.Printf("Status: %s\n", h.Status)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for name, st := range h.Dependencies {
			fmt.Fprintf(w, "  %s\t%s\n", name, st)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		return herr
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the anchorctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("anchorctl", version)
	},
}
