package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ClickHouseQuerier implements Querier over the ClickHouse HTTP interface
// with FORMAT JSON, which returns rows as column-name keyed records without
// needing per-query type information.
type ClickHouseQuerier struct {
	url      string
	username string
	password string
	client   *http.Client
}

func NewClickHouseQuerier(url string) *ClickHouseQuerier {
	return &ClickHouseQuerier{
		url:    url,
		client: &http.Client{Timeout: 2 * time.Minute},
	}
}

func NewClickHouseQuerierWithAuth(url, username, password string) *ClickHouseQuerier {
	q := NewClickHouseQuerier(url)
	q.username = username
	q.password = password
	return q
}

// Query runs one read query. Engine faults are returned as *EngineError
// with the response body passed through verbatim.
func (q *ClickHouseQuerier) Query(ctx context.Context, sql string) (Result, error) {
	query := strings.TrimSuffix(strings.TrimSpace(sql), ";") + " FORMAT JSON"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.url, strings.NewReader(query))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	if q.username != "" {
		req.SetBasicAuth(q.username, q.password)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("failed to reach data source: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		raw := strings.TrimSpace(string(body))
		if len(raw) > 1000 {
			raw = raw[:1000] + "..."
		}
		return Result{}, &EngineError{Raw: raw}
	}

	var chResp struct {
		Meta []struct {
			Name string `json:"name"`
		} `json:"meta"`
		Data []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(body, &chResp); err != nil {
		return Result{}, fmt.Errorf("failed to parse response: %w", err)
	}

	columns := make([]string, 0, len(chResp.Meta))
	for _, m := range chResp.Meta {
		columns = append(columns, m.Name)
	}
	return Result{
		Columns: columns,
		Rows:    chResp.Data,
		Count:   len(chResp.Data),
	}, nil
}
