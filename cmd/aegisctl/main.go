package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"aegis/pkg/auth"
	"aegis/pkg/models"
)

// Testable variables for main()
var osExit = os.Exit

// Both signing schemes verify as well as sign; chain tooling needs both
// sides.
type signerVerifier interface {
	auth.Signer
	Verify(signature, userID, resourceID, action string, granted bool, decisionTime time.Time) bool
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "gen-key":
		return genKey(args[1:], out)
	case "sign":
		return sign(args[1:], out)
	case "verify-evidence":
		return verifyEvidence(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "aegisctl commands:")
	fmt.Fprintln(out, "  gen-key --out signing.key")
	fmt.Fprintln(out, "  sign --user u1 --resource r1 --action read --granted --timestamp 2026-01-01T00:00:00.000Z [--key signing.key]")
	fmt.Fprintln(out, "  verify-evidence --evidence record.json [--key signing.key]")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func genKey(args []string, out io.Writer) error {
	fs := newFlagSet("gen-key")
	outPath := fs.String("out", "signing.key", "signing key output")
	size := fs.Int("size", 32, "key size in bytes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *size < 16 {
		return fmt.Errorf("key size %d too small, need at least 16 bytes", *size)
	}
	key := make([]byte, *size)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := os.WriteFile(*outPath, []byte(base64.StdEncoding.EncodeToString(key)), 0o600); err != nil {
		return fmt.Errorf("write signing key: %w", err)
	}
	fmt.Fprintf(out, "wrote %s\n", *outPath)
	return nil
}

func loadSigner(keyPath string) (signerVerifier, error) {
	if keyPath == "" {
		return auth.PlainSigner{}, nil
	}
	raw, err := os.ReadFile(keyPath) // #nosec G304 -- operator-supplied key path
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	return auth.NewHMACSigner(key), nil
}

func sign(args []string, out io.Writer) error {
	fs := newFlagSet("sign")
	user := fs.String("user", "", "user id")
	resource := fs.String("resource", "", "resource id")
	action := fs.String("action", "", "action")
	granted := fs.Bool("granted", false, "decision outcome")
	timestamp := fs.String("timestamp", "", "decision timestamp (ISO-8601, defaults to now)")
	keyPath := fs.String("key", "", "base64 HMAC key path (omit for plain signatures)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" || *resource == "" || *action == "" {
		return errors.New("user, resource, action required")
	}
	decisionTime := time.Now().UTC()
	if *timestamp != "" {
		t, err := models.ParseISOTime(*timestamp)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		decisionTime = t
	}
	signer, err := loadSigner(*keyPath)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, signer.Sign(*user, *resource, *action, *granted, decisionTime))
	return nil
}

func verifyEvidence(args []string, out io.Writer) error {
	fs := newFlagSet("verify-evidence")
	evidencePath := fs.String("evidence", "", "evidence record json path")
	keyPath := fs.String("key", "", "base64 HMAC key path (omit for plain signatures)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *evidencePath == "" {
		return errors.New("evidence required")
	}
	raw, err := os.ReadFile(*evidencePath) // #nosec G304 -- operator-supplied record path
	if err != nil {
		return fmt.Errorf("read evidence: %w", err)
	}
	var record models.EvidenceRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return fmt.Errorf("decode evidence: %w", err)
	}
	decisionTime, err := models.ParseISOTime(record.Timestamp)
	if err != nil {
		return fmt.Errorf("parse evidence timestamp: %w", err)
	}
	signer, err := loadSigner(*keyPath)
	if err != nil {
		return err
	}
	if !signer.Verify(record.Signature, record.UserID, record.ResourceID, record.Action, record.Granted, decisionTime) {
		return fmt.Errorf("signature mismatch for evidence %s", record.ID)
	}
	fmt.Fprintf(out, "evidence %s verified\n", record.ID)
	return nil
}
