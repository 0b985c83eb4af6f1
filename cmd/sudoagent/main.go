// Command sudoagent is the operator front-end for the evidence ledger:
// offline verification, export, filtering, receipt extraction, and signing
// key generation.
package main

import (
	"crypto/ed25519"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lemnk/sudoagent/internal/config"
	"github.com/lemnk/sudoagent/internal/crypto"
	"github.com/lemnk/sudoagent/internal/ledger"
	"github.com/lemnk/sudoagent/internal/ledger/pgstore"
	"github.com/lemnk/sudoagent/internal/ledger/sqlstore"
)

func main() {
	exitFn(run(os.Args, os.Stdout, os.Stderr))
}

var exitFn = os.Exit

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	switch args[1] {
	case "verify":
		return handleVerify(args[2:], stdout, stderr)
	case "export":
		return handleExport(args[2:], stdout, stderr)
	case "filter":
		return handleFilter(args[2:], stdout, stderr)
	case "search":
		return handleSearch(args[2:], stdout, stderr)
	case "receipt":
		return handleReceipt(args[2:], stdout, stderr)
	case "keygen":
		return handleKeygen(args[2:], stdout, stderr)
	default:
		usage(stderr)
		return 2
	}
}

func handleVerify(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	lf := addLedgerFlags(fs)
	pubKeyPath := fs.String("public-key", "", "PEM public key for signature checks")
	jsonOut := fs.Bool("json", false, "print the machine-readable report")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := lf.resolve()
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	store, err := openLedger(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}

	keyPath := *pubKeyPath
	if keyPath == "" {
		keyPath = cfg.SigningKey.PublicKeyPath
	}
	var publicKey ed25519.PublicKey
	if keyPath != "" {
		publicKey, err = crypto.LoadPublicKey(keyPath)
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
	}

	report, err := store.Verify(publicKey)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}

	if *jsonOut {
		if err := writeJSON(stdout, report); err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
	} else if report.OK {
		fmt.Fprintf(stdout, "verification ok (%d entries)\n", report.Entries)
	} else {
		f := report.FirstFailure
		fmt.Fprintf(stdout, "verification FAILED at entry %d: %s (%s)\n", f.Position, f.Kind, f.Detail)
	}

	if report.OK {
		return 0
	}
	return 1
}

func handleExport(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	lf := addLedgerFlags(fs)
	format := fs.String("format", "json", "output format (json|ndjson|csv)")
	out := fs.String("out", "", "output file (default stdout)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	return streamEntries(lf, *format, *out, nil, stdout, stderr)
}

func handleFilter(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("filter", flag.ContinueOnError)
	fs.SetOutput(stderr)
	lf := addLedgerFlags(fs)
	format := fs.String("format", "json", "output format (json|ndjson|csv)")
	out := fs.String("out", "", "output file (default stdout)")
	requestID := fs.String("request-id", "", "match exact request id")
	action := fs.String("action", "", "match exact action name")
	agentID := fs.String("agent-id", "", "match exact agent id")
	start := fs.String("start", "", "keep entries created at or after this timestamp")
	end := fs.String("end", "", "keep entries created at or before this timestamp")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	window, err := parseWindow(*start, *end)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}

	match := func(entry map[string]any) bool {
		if *requestID != "" && entryString(entry, "request_id") != *requestID {
			return false
		}
		if *action != "" && entryString(entry, "action") != *action {
			return false
		}
		if *agentID != "" && entryString(entry, "agent_id") != *agentID {
			return false
		}
		return window.contains(entryString(entry, "created_at"))
	}
	return streamEntries(lf, *format, *out, match, stdout, stderr)
}

func handleSearch(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	fs.SetOutput(stderr)
	lf := addLedgerFlags(fs)
	format := fs.String("format", "json", "output format (json|ndjson|csv)")
	out := fs.String("out", "", "output file (default stdout)")
	start := fs.String("start", "", "keep entries created at or after this timestamp")
	end := fs.String("end", "", "keep entries created at or before this timestamp")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "search requires <query>")
		fs.Usage()
		return 2
	}
	query := strings.ToLower(fs.Arg(0))

	window, err := parseWindow(*start, *end)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}

	match := func(entry map[string]any) bool {
		if !window.contains(entryString(entry, "created_at")) {
			return false
		}
		for _, field := range []string{"request_id", "action", "agent_id"} {
			if strings.Contains(strings.ToLower(entryString(entry, field)), query) {
				return true
			}
		}
		return false
	}
	return streamEntries(lf, *format, *out, match, stdout, stderr)
}

func handleReceipt(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("receipt", flag.ContinueOnError)
	fs.SetOutput(stderr)
	lf := addLedgerFlags(fs)
	requestID := fs.String("request-id", "", "request id of the decision entry")
	decisionHash := fs.String("decision-hash", "", "decision hash of the decision entry")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if (*requestID == "") == (*decisionHash == "") {
		fmt.Fprintln(stderr, "receipt requires exactly one of -request-id or -decision-hash")
		fs.Usage()
		return 2
	}

	cfg, err := lf.resolve()
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	store, err := openLedger(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}

	receipt, err := findReceipt(store, *requestID, *decisionHash)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if err := writeJSON(stdout, receipt); err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	return 0
}

func handleKeygen(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	privPath := fs.String("private", "sudoagent_signing.pem", "private key output path")
	pubPath := fs.String("public", "sudoagent_signing.pub.pem", "public key output path")
	overwrite := fs.Bool("overwrite", false, "replace existing key files")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if !*overwrite {
		for _, p := range []string{*privPath, *pubPath} {
			if _, err := os.Stat(p); err == nil {
				fmt.Fprintf(stderr, "%s already exists; pass -overwrite to replace it\n", p)
				return 1
			}
		}
	}

	privPEM, pubPEM, err := crypto.GenerateKeyPair()
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	for _, target := range []struct {
		path string
		data []byte
		mode os.FileMode
	}{
		{*privPath, privPEM, 0o600},
		{*pubPath, pubPEM, 0o644},
	} {
		if dir := filepath.Dir(target.path); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				fmt.Fprintln(stderr, err.Error())
				return 1
			}
		}
		if err := os.WriteFile(target.path, target.data, target.mode); err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
	}
	fmt.Fprintf(stdout, "wrote %s and %s\n", *privPath, *pubPath)
	return 0
}

// ledgerFlags is the flag set shared by every subcommand that reads a
// ledger: an optional config file plus overrides for its ledger section.
type ledgerFlags struct {
	config  *string
	backend *string
	path    *string
}

func addLedgerFlags(fs *flag.FlagSet) ledgerFlags {
	return ledgerFlags{
		config:  fs.String("config", "", "YAML config file"),
		backend: fs.String("backend", "", "ledger backend (jsonl|sqlite|postgres)"),
		path:    fs.String("ledger", "", "ledger path or DSN"),
	}
}

// resolve layers the sources: built-in defaults, then the config file, then
// the environment, then explicit flags.
func (lf ledgerFlags) resolve() (config.Config, error) {
	cfg := config.Default()
	if *lf.config != "" {
		loaded, err := config.Load(*lf.config)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	cfg.ApplyEnv()
	if *lf.backend != "" {
		cfg.Ledger.Backend = *lf.backend
	}
	if *lf.path != "" {
		if cfg.Ledger.Backend == config.BackendPostgres {
			cfg.Ledger.DSN = *lf.path
		} else {
			cfg.Ledger.Path = *lf.path
		}
	}
	return cfg, nil
}

// openLedger builds a read-only view of the configured backend. Signing keys
// are not needed for any CLI operation.
func openLedger(cfg config.Config) (ledger.Ledger, error) {
	switch cfg.Ledger.Backend {
	case config.BackendJSONL:
		if _, err := os.Stat(cfg.Ledger.Path); err != nil {
			return nil, err
		}
		return ledger.NewJSONL(cfg.Ledger.Path, nil), nil
	case config.BackendSQLite:
		return sqlstore.Open(cfg.Ledger.Path, nil, sqlstore.Options{RelaxedDurability: cfg.Ledger.RelaxedDurability})
	case config.BackendPostgres:
		return pgstore.Open(cfg.Ledger.DSN, nil)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}
}

func findReceipt(store ledger.Ledger, requestID, decisionHash string) (any, error) {
	if requestID != "" {
		return ledger.FindReceipt(store, requestID)
	}

	var found any
	err := store.Scan(func(position int, entry map[string]any) error {
		if found != nil {
			return nil
		}
		if event, _ := entry["event"].(string); event != "decision" {
			return nil
		}
		decision, _ := entry["decision"].(map[string]any)
		if decision == nil || decision["decision_hash"] != decisionHash {
			return nil
		}
		receipt, err := ledger.ReceiptFromEntry(position, entry)
		if err != nil {
			return err
		}
		found = receipt
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ledger.ErrReceiptNotFound
	}
	return found, nil
}

// streamEntries scans the ledger and writes every entry passing match (nil
// matches everything) in the requested format.
func streamEntries(lf ledgerFlags, format, out string, match func(map[string]any) bool, stdout, stderr io.Writer) int {
	switch format {
	case "json", "ndjson", "csv":
	default:
		fmt.Fprintf(stderr, "unknown format %q\n", format)
		return 2
	}

	cfg, err := lf.resolve()
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	store, err := openLedger(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}

	w := stdout
	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
		defer f.Close()
		w = f
	}

	var entries []map[string]any
	enc := json.NewEncoder(w)
	var cw *csv.Writer
	if format == "csv" {
		cw = csv.NewWriter(w)
		if err := cw.Write(csvFields); err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
	}

	err = store.Scan(func(position int, entry map[string]any) error {
		if match != nil && !match(entry) {
			return nil
		}
		switch format {
		case "json":
			entries = append(entries, entry)
			return nil
		case "ndjson":
			return enc.Encode(entry)
		default:
			return cw.Write(flattenEntry(entry))
		}
	})
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}

	switch format {
	case "json":
		if entries == nil {
			entries = []map[string]any{}
		}
		if err := writeJSON(w, entries); err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
	case "csv":
		cw.Flush()
		if err := cw.Error(); err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
	}
	return 0
}

// csvFields is the stable column order of flattened exports.
var csvFields = []string{
	"created_at", "event", "action", "request_id", "agent_id",
	"decision_hash", "policy_id", "policy_hash", "decision_effect",
	"outcome_status", "reason", "reason_code",
}

func flattenEntry(entry map[string]any) []string {
	decision, _ := entry["decision"].(map[string]any)
	outcome, _ := entry["outcome"].(map[string]any)

	reason := entryString(decision, "reason")
	reasonCode := entryString(decision, "reason_code")
	if outcome != nil {
		if r := entryString(outcome, "reason"); r != "" {
			reason = r
		}
		if rc := entryString(outcome, "reason_code"); rc != "" {
			reasonCode = rc
		}
	}

	return []string{
		entryString(entry, "created_at"),
		entryString(entry, "event"),
		entryString(entry, "action"),
		entryString(entry, "request_id"),
		entryString(entry, "agent_id"),
		entryString(decision, "decision_hash"),
		entryString(decision, "policy_id"),
		entryString(decision, "policy_hash"),
		entryString(decision, "effect"),
		entryString(outcome, "status"),
		reason,
		reasonCode,
	}
}

func entryString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// timeWindow is an optional [start, end] bound on entry creation times.
// Entries whose created_at cannot be parsed never match a bounded window.
type timeWindow struct {
	start, end *time.Time
}

func parseWindow(start, end string) (timeWindow, error) {
	var w timeWindow
	if start != "" {
		t, err := parseTimestamp(start)
		if err != nil {
			return w, fmt.Errorf("invalid -start timestamp %q", start)
		}
		w.start = &t
	}
	if end != "" {
		t, err := parseTimestamp(end)
		if err != nil {
			return w, fmt.Errorf("invalid -end timestamp %q", end)
		}
		w.end = &t
	}
	if w.start != nil && w.end != nil && w.start.After(*w.end) {
		return w, fmt.Errorf("-start is after -end")
	}
	return w, nil
}

func (w timeWindow) contains(createdAt string) bool {
	if w.start == nil && w.end == nil {
		return true
	}
	t, err := parseTimestamp(createdAt)
	if err != nil {
		return false
	}
	if w.start != nil && t.Before(*w.start) {
		return false
	}
	if w.end != nil && t.After(*w.end) {
		return false
	}
	return true
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func usage(w io.Writer) {
	fmt.Fprint(w, `sudoagent ledger CLI

Usage:
  sudoagent verify  [-config FILE] [-ledger PATH] [-backend jsonl|sqlite|postgres] [-public-key PEM] [-json]
  sudoagent export  [-config FILE] [-ledger PATH] [-format json|ndjson|csv] [-out FILE]
  sudoagent filter  [-config FILE] [-ledger PATH] [-request-id ID] [-action NAME] [-agent-id ID] [-start TS] [-end TS] [-format ...] [-out FILE]
  sudoagent search  [-config FILE] [-ledger PATH] [-start TS] [-end TS] [-format ...] [-out FILE] <query>
  sudoagent receipt [-config FILE] [-ledger PATH] (-request-id ID | -decision-hash HASH)
  sudoagent keygen  [-private PATH] [-public PATH] [-overwrite]
`)
}
