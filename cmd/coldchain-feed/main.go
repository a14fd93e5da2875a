package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coldchain/coldchain-ledger/internal/config"
	"github.com/coldchain/coldchain-ledger/internal/crypto"
	"github.com/coldchain/coldchain-ledger/internal/protocol"
)

// readingRow is one line of a sensor export. Reading is a pointer so a row
// without a value is caught rather than sent as zero.
type readingRow struct {
	Reading   *float64  `json:"reading"`
	Location  string    `json:"location"`
	Timestamp time.Time `json:"timestamp"`
}

type feedClient struct {
	baseURL string
	account string
	signer  *crypto.Signer
	http    *http.Client
	now     func() time.Time
}

func main() {
	configPath := flag.String("config", "configs/feed.yaml", "path to feed config")
	batch := flag.Uint64("batch", 0, "batch id the readings belong to")
	readingsPath := flag.String("readings", "", "readings file (.csv with reading,location,timestamp or .json array)")
	flag.Parse()

	if *batch == 0 || *readingsPath == "" {
		fmt.Fprintln(os.Stderr, "-batch and -readings are required")
		os.Exit(2)
	}

	cfg, err := config.LoadFeed(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	signer, err := crypto.LoadSigner(cfg.Account.SigningPrivateKeyPath, "")
	if err != nil {
		fail("load signing key", err)
	}
	rows, err := readRows(*readingsPath)
	if err != nil {
		fail("read readings", err)
	}

	client := &feedClient{
		baseURL: cfg.Node.BaseURL,
		account: cfg.Account.ID,
		signer:  signer,
		http:    &http.Client{Timeout: time.Duration(cfg.Node.TimeoutSeconds) * time.Second},
		now:     time.Now,
	}
	ctx := context.Background()
	for i, chunk := range chunks(rows, cfg.Feed.ChunkSize) {
		resp, err := client.ingest(ctx, *batch, chunk)
		if err != nil {
			fail(fmt.Sprintf("ingest chunk %d", i+1), err)
		}
		last := resp.Entries[len(resp.Entries)-1]
		fmt.Printf("chunk:%d entries=%d last_index=%d status=%s compromised=%t\n",
			i+1, len(resp.Entries), last.Index, resp.Batch.Status, resp.Batch.Compromised)
	}
}

func (c *feedClient) ingest(ctx context.Context, batchID uint64, rows []readingRow) (protocol.IngestObservationsResponse, error) {
	req := protocol.IngestObservationsRequest{
		Readings:   make([]*float64, 0, len(rows)),
		Locations:  make([]string, 0, len(rows)),
		Timestamps: make([]*time.Time, 0, len(rows)),
	}
	for _, r := range rows {
		r := r
		req.Readings = append(req.Readings, r.Reading)
		req.Locations = append(req.Locations, r.Location)
		req.Timestamps = append(req.Timestamps, &r.Timestamp)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return protocol.IngestObservationsResponse{}, err
	}
	path := fmt.Sprintf("/v1/batches/%d/observations:ingest", batchID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return protocol.IngestObservationsResponse{}, err
	}
	stamp, sig := c.signer.SignRequest(http.MethodPost, httpReq.URL.RequestURI(), c.now(), body)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Coldchain-Account", c.account)
	httpReq.Header.Set("X-Coldchain-Timestamp", stamp)
	httpReq.Header.Set("X-Coldchain-Signature", sig)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return protocol.IngestObservationsResponse{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return protocol.IngestObservationsResponse{}, err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr protocol.ErrorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Code != "" {
			return protocol.IngestObservationsResponse{}, fmt.Errorf("status %d %s: %s", resp.StatusCode, apiErr.Error.Code, apiErr.Error.Message)
		}
		return protocol.IngestObservationsResponse{}, fmt.Errorf("status %d body=%s", resp.StatusCode, string(raw))
	}
	var out protocol.IngestObservationsResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return protocol.IngestObservationsResponse{}, err
	}
	if len(out.Entries) != len(rows) {
		return protocol.IngestObservationsResponse{}, fmt.Errorf("node recorded %d entries for %d readings", len(out.Entries), len(rows))
	}
	return out, nil
}

func readRows(path string) ([]readingRow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rows []readingRow
	if strings.HasSuffix(strings.ToLower(path), ".json") {
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, err
		}
	} else {
		rows, err = parseCSV(raw)
		if err != nil {
			return nil, err
		}
	}
	if len(rows) == 0 {
		return nil, errors.New("no readings in file")
	}
	for i, r := range rows {
		if r.Reading == nil {
			return nil, fmt.Errorf("row %d: reading is missing", i+1)
		}
		if r.Timestamp.IsZero() {
			return nil, fmt.Errorf("row %d: timestamp is missing", i+1)
		}
	}
	return rows, nil
}

// parseCSV accepts reading,location,timestamp rows with an optional header.
func parseCSV(raw []byte) ([]readingRow, error) {
	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = 3
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	out := make([]readingRow, 0, len(records))
	for i, rec := range records {
		if i == 0 && strings.EqualFold(rec[0], "reading") {
			continue
		}
		v, err := strconv.ParseFloat(rec[0], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: reading: %w", i+1, err)
		}
		ts, err := time.Parse(time.RFC3339, rec[2])
		if err != nil {
			return nil, fmt.Errorf("line %d: timestamp: %w", i+1, err)
		}
		out = append(out, readingRow{Reading: &v, Location: rec[1], Timestamp: ts})
	}
	return out, nil
}

func chunks(rows []readingRow, size int) [][]readingRow {
	if size <= 0 {
		size = len(rows)
	}
	var out [][]readingRow
	for len(rows) > 0 {
		n := min(size, len(rows))
		out = append(out, rows[:n])
		rows = rows[n:]
	}
	return out
}

func fail(step string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", step, err)
	os.Exit(1)
}
