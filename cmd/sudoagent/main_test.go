package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lemnk/sudoagent/internal/engine"
	"github.com/lemnk/sudoagent/internal/ledger"
	"github.com/lemnk/sudoagent/internal/policy"
)

// buildLedger produces a signed two-call ledger and returns its path together
// with the matching public key PEM path.
func buildLedger(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.jsonl")

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pubPath := filepath.Join(dir, "pub.pem")
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err := os.WriteFile(pubPath, pubPEM, 0o600); err != nil {
		t.Fatalf("write public key: %v", err)
	}

	eng, err := engine.New(engine.Options{
		Policy:  policy.AllowAll{},
		Ledger:  ledger.NewJSONL(path, privateKey),
		AgentID: "cli-agent",
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	calls := []engine.Call{
		{Action: "send_email", RequestID: "req-email", Func: okFunc},
		{Action: "delete_file", RequestID: "req-delete", Func: okFunc},
	}
	for _, call := range calls {
		if _, err := eng.Execute(context.Background(), call); err != nil {
			t.Fatalf("execute %s: %v", call.Action, err)
		}
	}
	return path, pubPath
}

func okFunc(context.Context) (any, error) { return "ok", nil }

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(append([]string{"sudoagent"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestVerifyOK(t *testing.T) {
	path, pubPath := buildLedger(t)

	code, stdout, stderr := runCLI(t, "verify", "-ledger", path, "-public-key", pubPath)
	if code != 0 {
		t.Fatalf("verify exit %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "verification ok (4 entries)") {
		t.Fatalf("unexpected output: %q", stdout)
	}
}

func TestVerifyJSONReport(t *testing.T) {
	path, _ := buildLedger(t)

	code, stdout, _ := runCLI(t, "verify", "-ledger", path, "-json")
	if code != 0 {
		t.Fatalf("verify exit %d", code)
	}
	var report struct {
		OK      bool `json:"ok"`
		Entries int  `json:"entries"`
	}
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if !report.OK || report.Entries != 4 {
		t.Fatalf("report = %+v", report)
	}
}

func TestVerifyDetectsTamper(t *testing.T) {
	path, _ := buildLedger(t)

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	tampered := bytes.Replace(raw, []byte("send_email"), []byte("send_spam!"), 1)
	if bytes.Equal(raw, tampered) {
		t.Fatalf("mutation did not apply")
	}
	if err := os.WriteFile(path, tampered, 0o600); err != nil {
		t.Fatalf("write ledger: %v", err)
	}

	code, stdout, _ := runCLI(t, "verify", "-ledger", path)
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stdout, "verification FAILED at entry 0") {
		t.Fatalf("unexpected output: %q", stdout)
	}
}

func TestExportNDJSON(t *testing.T) {
	path, _ := buildLedger(t)

	code, stdout, stderr := runCLI(t, "export", "-ledger", path, "-format", "ndjson")
	if code != 0 {
		t.Fatalf("export exit %d, stderr: %s", code, stderr)
	}
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d", len(lines))
	}
	for _, line := range lines {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("line is not json: %v", err)
		}
	}
}

func TestExportCSV(t *testing.T) {
	path, _ := buildLedger(t)
	out := filepath.Join(t.TempDir(), "export.csv")

	code, _, stderr := runCLI(t, "export", "-ledger", path, "-format", "csv", "-out", out)
	if code != 0 {
		t.Fatalf("export exit %d, stderr: %s", code, stderr)
	}
	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 5 {
		t.Fatalf("expected header plus 4 rows, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "created_at,event,action,request_id,agent_id") {
		t.Fatalf("unexpected header: %q", lines[0])
	}
	if !strings.Contains(lines[1], "decision,send_email,req-email,cli-agent") {
		t.Fatalf("unexpected first row: %q", lines[1])
	}
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	path, _ := buildLedger(t)
	code, _, stderr := runCLI(t, "export", "-ledger", path, "-format", "xml")
	if code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if !strings.Contains(stderr, "unknown format") {
		t.Fatalf("stderr: %q", stderr)
	}
}

func TestFilterByRequestID(t *testing.T) {
	path, _ := buildLedger(t)

	code, stdout, _ := runCLI(t, "filter", "-ledger", path, "-request-id", "req-delete", "-format", "ndjson")
	if code != 0 {
		t.Fatalf("filter exit %d", code)
	}
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected decision and outcome, got %d lines", len(lines))
	}
	for _, line := range lines {
		if !strings.Contains(line, `"req-delete"`) {
			t.Fatalf("unexpected entry: %q", line)
		}
	}
}

func TestFilterRejectsBadWindow(t *testing.T) {
	path, _ := buildLedger(t)

	cases := []struct {
		name string
		args []string
	}{
		{"bad start", []string{"-start", "not-a-time"}},
		{"bad end", []string{"-end", "tomorrow"}},
		{"reversed window", []string{"-start", "2026-02-01", "-end", "2026-01-01"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			args := append([]string{"filter", "-ledger", path}, tc.args...)
			code, _, stderr := runCLI(t, args...)
			if code != 2 {
				t.Fatalf("expected exit 2, got %d (stderr: %s)", code, stderr)
			}
		})
	}
}

func TestSearchMatchesSubstring(t *testing.T) {
	path, _ := buildLedger(t)

	code, stdout, _ := runCLI(t, "search", "-ledger", path, "-format", "ndjson", "EMAIL")
	if code != 0 {
		t.Fatalf("search exit %d", code)
	}
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(lines))
	}

	code, stdout, _ = runCLI(t, "search", "-ledger", path, "-format", "json", "no-such-thing")
	if code != 0 {
		t.Fatalf("search exit %d", code)
	}
	if strings.TrimSpace(stdout) != "[]" {
		t.Fatalf("expected empty array, got %q", stdout)
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	path, _ := buildLedger(t)
	code, _, _ := runCLI(t, "search", "-ledger", path)
	if code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
}

func TestReceiptByRequestID(t *testing.T) {
	path, _ := buildLedger(t)

	code, stdout, stderr := runCLI(t, "receipt", "-ledger", path, "-request-id", "req-email")
	if code != 0 {
		t.Fatalf("receipt exit %d, stderr: %s", code, stderr)
	}
	var receipt struct {
		RequestID    string `json:"request_id"`
		DecisionHash string `json:"decision_hash"`
		EntryHash    string `json:"entry_hash"`
	}
	if err := json.Unmarshal([]byte(stdout), &receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if receipt.RequestID != "req-email" || receipt.DecisionHash == "" || receipt.EntryHash == "" {
		t.Fatalf("receipt = %+v", receipt)
	}

	code, stdout2, _ := runCLI(t, "receipt", "-ledger", path, "-decision-hash", receipt.DecisionHash)
	if code != 0 {
		t.Fatalf("receipt by hash exit %d", code)
	}
	if stdout2 != stdout {
		t.Fatalf("lookups disagree:\n%s\n%s", stdout, stdout2)
	}
}

func TestReceiptRequiresExactlyOneSelector(t *testing.T) {
	path, _ := buildLedger(t)
	for _, args := range [][]string{
		{"receipt", "-ledger", path},
		{"receipt", "-ledger", path, "-request-id", "a", "-decision-hash", "b"},
	} {
		if code, _, _ := runCLI(t, args...); code != 2 {
			t.Fatalf("args %v: expected exit 2, got %d", args, code)
		}
	}
}

func TestReceiptMissingRequest(t *testing.T) {
	path, _ := buildLedger(t)
	code, _, stderr := runCLI(t, "receipt", "-ledger", path, "-request-id", "req-unknown")
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr, "no decision entry") {
		t.Fatalf("stderr: %q", stderr)
	}
}

func TestKeygen(t *testing.T) {
	dir := t.TempDir()
	priv := filepath.Join(dir, "keys", "signing.pem")
	pub := filepath.Join(dir, "keys", "signing.pub.pem")

	code, stdout, stderr := runCLI(t, "keygen", "-private", priv, "-public", pub)
	if code != 0 {
		t.Fatalf("keygen exit %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "wrote") {
		t.Fatalf("stdout: %q", stdout)
	}

	code, _, stderr = runCLI(t, "keygen", "-private", priv, "-public", pub)
	if code != 1 {
		t.Fatalf("expected refusal without -overwrite, got exit %d", code)
	}
	if !strings.Contains(stderr, "already exists") {
		t.Fatalf("stderr: %q", stderr)
	}

	if code, _, _ = runCLI(t, "keygen", "-private", priv, "-public", pub, "-overwrite"); code != 0 {
		t.Fatalf("overwrite exit %d", code)
	}
}

func TestKeygenOutputVerifiesLedger(t *testing.T) {
	path, _ := buildLedger(t)
	// A mismatched key must fail the signature check.
	dir := t.TempDir()
	priv := filepath.Join(dir, "signing.pem")
	pub := filepath.Join(dir, "signing.pub.pem")
	if code, _, _ := runCLI(t, "keygen", "-private", priv, "-public", pub); code != 0 {
		t.Fatalf("keygen failed")
	}

	code, stdout, _ := runCLI(t, "verify", "-ledger", path, "-public-key", pub)
	if code != 1 {
		t.Fatalf("expected signature failure, got exit %d", code)
	}
	if !strings.Contains(stdout, "signature") {
		t.Fatalf("stdout: %q", stdout)
	}
}

func TestConfigFileDrivesVerify(t *testing.T) {
	path, pubPath := buildLedger(t)

	cfgPath := filepath.Join(t.TempDir(), "sudoagent.yaml")
	cfg := "ledger:\n  backend: jsonl\n  path: \"" + path + "\"\nsigning_key:\n  public_key_path: \"" + pubPath + "\"\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	code, stdout, stderr := runCLI(t, "verify", "-config", cfgPath)
	if code != 0 {
		t.Fatalf("verify exit %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "verification ok (4 entries)") {
		t.Fatalf("unexpected output: %q", stdout)
	}

	if code, _, _ := runCLI(t, "export", "-config", cfgPath, "-format", "ndjson"); code != 0 {
		t.Fatalf("export via config exit %d", code)
	}
}

func TestLedgerFlagOverridesConfig(t *testing.T) {
	path, _ := buildLedger(t)

	cfgPath := filepath.Join(t.TempDir(), "sudoagent.yaml")
	cfg := "ledger:\n  backend: jsonl\n  path: \"/nonexistent/ledger.jsonl\"\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	code, stdout, stderr := runCLI(t, "verify", "-config", cfgPath, "-ledger", path)
	if code != 0 {
		t.Fatalf("verify exit %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "verification ok") {
		t.Fatalf("unexpected output: %q", stdout)
	}
}

func TestUnknownSubcommand(t *testing.T) {
	code, _, stderr := runCLI(t, "frobnicate")
	if code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if !strings.Contains(stderr, "Usage:") {
		t.Fatalf("stderr: %q", stderr)
	}
}

func TestMissingLedgerFile(t *testing.T) {
	code, _, stderr := runCLI(t, "verify", "-ledger", filepath.Join(t.TempDir(), "nope.jsonl"))
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if stderr == "" {
		t.Fatalf("expected an error message")
	}
}
