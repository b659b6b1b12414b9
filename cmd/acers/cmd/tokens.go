package cmd

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/acers/claims"
	"github.com/jmcleod/acers/cnf"
	"github.com/jmcleod/acers/config"
	"github.com/jmcleod/acers/storage"
	"github.com/jmcleod/acers/tokenstore"
)

var tokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Inspect and maintain the token snapshot",
	Long: `Commands operating on the persisted token snapshot while the server is
stopped. The bbolt backend is locked by a running server.`,
}

var tokensJSONOutput bool

func init() {
	rootCmd.AddCommand(tokensCmd)
	tokensCmd.PersistentFlags().BoolVar(&tokensJSONOutput, "json", false, "Output results as JSON")
	tokensCmd.AddCommand(tokensListCmd, tokensSweepCmd, tokensRemoveCmd, tokensCheckCmd)
}

// withStore loads the configured store, runs fn and persists the result.
func withStore(fn func(cfg *config.Config, store *tokenstore.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store, closer, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closer.Close()
	fnErr := fn(cfg, store)
	if err := store.Close(); err != nil && fnErr == nil {
		return err
	}
	return fnErr
}

// tokenSummary is the listing form of a stored token.
type tokenSummary struct {
	ID       string   `json:"id"`
	KeyID    string   `json:"kid"`
	Issuer   string   `json:"iss,omitempty"`
	Scope    string   `json:"scope,omitempty"`
	Expires  string   `json:"exp,omitempty"`
	Subjects []string `json:"subjects"`
}

func summarize(info tokenstore.Info) tokenSummary {
	s := tokenSummary{
		ID:       hex.EncodeToString(info.ID),
		KeyID:    info.KeyID.String(),
		Subjects: info.Subjects,
	}
	if iss, err := info.Claims.Text(claims.Iss); err == nil {
		s.Issuer = iss
	}
	if scope, err := info.Claims.Text(claims.Scope); err == nil {
		s.Scope = scope
	} else if raw, err := info.Claims.Bytes(claims.Scope); err == nil {
		s.Scope = hex.EncodeToString(raw)
	}
	if exp, err := info.Claims.Int(claims.Exp); err == nil {
		s.Expires = time.Unix(exp, 0).UTC().Format(time.RFC3339)
	}
	return s
}

func listTokens(store *tokenstore.Store) []tokenSummary {
	ids := store.Tokens()
	out := make([]tokenSummary, 0, len(ids))
	for _, id := range ids {
		if info, ok := store.Info(id); ok {
			out = append(out, summarize(info))
		}
	}
	return out
}

func printTokens(w io.Writer, tokens []tokenSummary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKID\tISSUER\tSCOPE\tEXPIRES")
	for _, t := range tokens {
		exp := t.Expires
		if exp == "" {
			exp = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.KeyID, t.Issuer, t.Scope, exp)
	}
	tw.Flush()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var tokensListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored tokens",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(_ *config.Config, store *tokenstore.Store) error {
			tokens := listTokens(store)
			if tokensJSONOutput {
				return printJSON(tokens)
			}
			printTokens(os.Stdout, tokens)
			return nil
		})
	},
}

var tokensSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired tokens",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(_ *config.Config, store *tokenstore.Store) error {
			ids, err := store.Sweep(time.Now())
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Printf("removed %s\n", hex.EncodeToString(id))
			}
			fmt.Printf("%d expired token(s) removed\n", len(ids))
			return nil
		})
	},
}

var tokensRemoveCmd = &cobra.Command{
	Use:   "remove <id>...",
	Short: "Remove tokens by hex id",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([][]byte, 0, len(args))
		for _, a := range args {
			id, err := hex.DecodeString(a)
			if err != nil {
				return fmt.Errorf("invalid token id %q: %w", a, err)
			}
			ids = append(ids, id)
		}
		return withStore(func(_ *config.Config, store *tokenstore.Store) error {
			for _, id := range ids {
				if err := store.Remove(id); err != nil {
					return err
				}
				fmt.Printf("removed %s\n", hex.EncodeToString(id))
			}
			return nil
		})
	},
}

// checkResult is one named check of a snapshot.
type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "pass", "fail", "warn"
	Detail string `json:"detail,omitempty"`
}

type verifyResult struct {
	Snapshot string        `json:"snapshot"`
	Records  int           `json:"records"`
	Loaded   int           `json:"loaded"`
	Valid    bool          `json:"valid"`
	Checks   []checkResult `json:"checks"`
}

func (r *verifyResult) pass(name, detail string) {
	r.Checks = append(r.Checks, checkResult{Name: name, Status: "pass", Detail: detail})
}

func (r *verifyResult) warn(name, detail string) {
	r.Checks = append(r.Checks, checkResult{Name: name, Status: "warn", Detail: detail})
}

func (r *verifyResult) fail(name, detail string) {
	r.Valid = false
	r.Checks = append(r.Checks, checkResult{Name: name, Status: "fail", Detail: detail})
}

// verifySnapshot checks that every record decodes, that the store
// restores every record, that its indexes are consistent, and reports
// tokens already expired at now.
func verifySnapshot(records []storage.Record, store *tokenstore.Store, now time.Time) verifyResult {
	result := verifyResult{Records: len(records), Loaded: store.Len(), Valid: true}

	decoded := 0
	var decodeDetail string
	for i, rec := range records {
		if _, err := storage.DecodeRecord(rec); err != nil {
			if decodeDetail == "" {
				decodeDetail = fmt.Sprintf("record %d: %v", i, err)
			}
			continue
		}
		decoded++
	}
	if decoded == len(records) {
		result.pass("records_decode", fmt.Sprintf("all %d records decode", len(records)))
	} else {
		result.fail("records_decode", decodeDetail)
	}

	if store.Len() == decoded {
		result.pass("records_restored", "")
	} else {
		// Expired records and references to a key that is neither
		// persisted nor carried by another record are skipped on load.
		result.warn("records_restored", fmt.Sprintf("%d of %d records restored", store.Len(), decoded))
	}

	if err := store.Verify(); err != nil {
		result.fail("index_consistency", err.Error())
	} else {
		result.pass("index_consistency", "")
	}

	expired := 0
	for _, id := range store.Tokens() {
		info, ok := store.Info(id)
		if !ok {
			continue
		}
		if gone, err := info.Claims.Expired(now); err == nil && gone {
			expired++
		}
	}
	if expired == 0 {
		result.pass("no_expired_tokens", "")
	} else {
		result.warn("no_expired_tokens", fmt.Sprintf("%d expired token(s); run tokens sweep", expired))
	}
	return result
}

func printHumanResult(w io.Writer, result verifyResult) {
	fmt.Fprintf(w, "Snapshot: %s\n", result.Snapshot)
	fmt.Fprintf(w, "Records:  %d (%d loaded)\n\n", result.Records, result.Loaded)
	for _, c := range result.Checks {
		tag := "[PASS]"
		switch c.Status {
		case "fail":
			tag = "[FAIL]"
		case "warn":
			tag = "[WARN]"
		}
		if c.Detail != "" {
			fmt.Fprintf(w, "%s %s: %s\n", tag, c.Name, c.Detail)
		} else {
			fmt.Fprintf(w, "%s %s\n", tag, c.Name)
		}
	}
	fmt.Fprintln(w)
	if result.Valid {
		fmt.Fprintln(w, "Result: VALID")
	} else {
		fmt.Fprintln(w, "Result: INVALID")
	}
}

var tokensCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the integrity of the token snapshot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		snap, closer, err := cfg.Snapshotter()
		if err != nil {
			return err
		}
		defer closer.Close()
		records, err := snap.Load()
		if err != nil {
			return fmt.Errorf("reading snapshot: %w", err)
		}
		crypto, err := cfg.CryptoContext()
		if err != nil {
			return err
		}
		// Restore the decodable records over a copy so the check never
		// rewrites the snapshot.
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		store, err := tokenstore.New(readOnly{decodable(records)}, cfg.Validator(),
			tokenstore.WithLogger(logger), tokenstore.WithResolver(cnf.NewResolver(crypto)))
		if err != nil {
			return fmt.Errorf("restoring tokens: %w", err)
		}

		result := verifySnapshot(records, store, time.Now())
		result.Snapshot = cfg.SnapshotPath()
		if tokensJSONOutput {
			if err := printJSON(result); err != nil {
				return err
			}
		} else {
			printHumanResult(os.Stdout, result)
		}
		if !result.Valid {
			return fmt.Errorf("snapshot check failed")
		}
		return nil
	},
}

func decodable(records []storage.Record) []storage.Record {
	out := make([]storage.Record, 0, len(records))
	for _, rec := range records {
		if _, err := storage.DecodeRecord(rec); err == nil {
			out = append(out, rec)
		}
	}
	return out
}

// readOnly serves a loaded snapshot and discards saves.
type readOnly struct {
	records []storage.Record
}

func (r readOnly) Load() ([]storage.Record, error) { return storage.CloneRecords(r.records), nil }

func (readOnly) Save([]storage.Record) error { return nil }
