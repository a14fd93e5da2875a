package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/coldchain/coldchain-ledger/internal/blob"
	"github.com/coldchain/coldchain-ledger/internal/crypto"
	"github.com/coldchain/coldchain-ledger/internal/protocol"
	"github.com/coldchain/coldchain-ledger/internal/service"
)

type bundleResult struct {
	Source    string                     `json:"source"`
	BundleID  string                     `json:"bundle_id"`
	HeadIndex int64                      `json:"head_index"`
	Result    service.BundleVerification `json:"result"`
}

type runReport struct {
	GeneratedAtUTC string         `json:"generated_at_utc"`
	Passed         bool           `json:"passed"`
	Bundles        []bundleResult `json:"bundles"`
}

func main() {
	bundleArg := flag.String("bundle", "", "bundle json file, directory of bundles, or s3://bucket/key")
	publicKeyPath := flag.String("public-key", "", "trusted platform public key (pem or base64)")
	requireSignature := flag.Bool("require-signature", false, "fail bundles that are unsigned")
	region := flag.String("s3-region", "us-east-1", "region for s3:// bundles")
	endpoint := flag.String("s3-endpoint", "", "custom endpoint for s3:// bundles")
	pathStyle := flag.Bool("s3-path-style", false, "use path-style addressing for s3:// bundles")
	format := flag.String("format", "text", "output format: text|json|markdown")
	flag.Parse()

	if *bundleArg == "" {
		fmt.Fprintln(os.Stderr, "-bundle is required")
		os.Exit(2)
	}

	verifier := service.BundleVerifier{RequireSignature: *requireSignature}
	if *publicKeyPath != "" {
		pub, err := crypto.LoadPublicKey(*publicKeyPath)
		if err != nil {
			fail("load public key", err)
		}
		verifier.PublicKey = pub
	}

	ctx := context.Background()
	sources, err := loadBundles(ctx, *bundleArg, blob.S3Config{Region: *region, Endpoint: *endpoint, PathStyle: *pathStyle})
	if err != nil {
		fail("load bundles", err)
	}

	report := verifyAll(&verifier, sources, time.Now().UTC())
	if err := render(os.Stdout, *format, report); err != nil {
		fail("render report", err)
	}
	if !report.Passed {
		os.Exit(1)
	}
}

type loadedBundle struct {
	source string
	raw    []byte
}

func loadBundles(ctx context.Context, arg string, s3cfg blob.S3Config) ([]loadedBundle, error) {
	if strings.HasPrefix(arg, "s3://") {
		bucket, key, ok := strings.Cut(strings.TrimPrefix(arg, "s3://"), "/")
		if !ok || bucket == "" || key == "" {
			return nil, fmt.Errorf("s3 location must be s3://bucket/key, got %q", arg)
		}
		s3cfg.Bucket = bucket
		store, err := blob.NewS3(ctx, s3cfg)
		if err != nil {
			return nil, err
		}
		raw, err := store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		return []loadedBundle{{source: arg, raw: raw}}, nil
	}

	info, err := os.Stat(arg)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		raw, err := os.ReadFile(arg)
		if err != nil {
			return nil, err
		}
		return []loadedBundle{{source: arg, raw: raw}}, nil
	}

	var out []loadedBundle
	err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".json") {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out = append(out, loadedBundle{source: path, raw: raw})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no bundle files under %s", arg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].source < out[j].source })
	return out, nil
}

func verifyAll(v *service.BundleVerifier, sources []loadedBundle, now time.Time) runReport {
	report := runReport{GeneratedAtUTC: now.Format(time.RFC3339), Passed: true}
	seen := make(map[string]string, len(sources))
	for _, src := range sources {
		res := bundleResult{Source: src.source}
		bundle, err := decodeBundle(src.raw)
		if err != nil {
			res.Result = service.BundleVerification{Status: "fail", Checks: []protocol.VerifyCheck{
				{Name: "decode", Status: "fail", Details: err.Error()},
			}}
		} else {
			res.BundleID = bundle.BundleID
			res.HeadIndex = bundle.HeadIndex
			res.Result = v.Verify(bundle)
			if prev, dup := seen[bundle.BundleID]; dup && bundle.BundleID != "" {
				res.Result.Status = "fail"
				res.Result.Checks = append(res.Result.Checks, protocol.VerifyCheck{
					Name: "unique_bundle_id", Status: "fail", Details: "also in " + prev,
				})
			}
			seen[bundle.BundleID] = src.source
		}
		if res.Result.Status != "ok" {
			report.Passed = false
		}
		report.Bundles = append(report.Bundles, res)
	}
	return report
}

func decodeBundle(raw []byte) (protocol.ExportBundle, error) {
	var out protocol.ExportBundle
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return protocol.ExportBundle{}, err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return protocol.ExportBundle{}, errors.New("json payload must contain a single value")
	}
	return out, nil
}

func render(w io.Writer, format string, report runReport) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "markdown":
		_, err := io.WriteString(w, markdown(report))
		return err
	case "text":
		for _, b := range report.Bundles {
			fmt.Fprintf(w, "%s %s bundle=%s head=%d\n", b.Result.Status, b.Source, b.BundleID, b.HeadIndex)
			for _, c := range b.Result.Checks {
				if c.Status != "ok" {
					fmt.Fprintf(w, "  %s: %s\n", c.Name, c.Details)
				}
			}
		}
		fmt.Fprintf(w, "verification_passed:%t\n", report.Passed)
		return nil
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func markdown(report runReport) string {
	var sb strings.Builder
	sb.WriteString("# Audit Bundle Verification\n\n")
	sb.WriteString(fmt.Sprintf("- Generated: %s\n", report.GeneratedAtUTC))
	sb.WriteString(fmt.Sprintf("- Bundles: %d\n", len(report.Bundles)))
	result := "PASS"
	if !report.Passed {
		result = "FAIL"
	}
	sb.WriteString(fmt.Sprintf("- Result: **%s**\n", result))
	for _, b := range report.Bundles {
		sb.WriteString(fmt.Sprintf("\n## %s\n\n", b.Source))
		sb.WriteString("| Check | Status | Details |\n|---|---|---|\n")
		for _, c := range b.Result.Checks {
			sb.WriteString(fmt.Sprintf("| %s | %s | %s |\n", c.Name, c.Status, strings.ReplaceAll(c.Details, "|", "\\|")))
		}
	}
	return sb.String()
}

func fail(step string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", step, err)
	os.Exit(1)
}
