package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/telemetryops/tslc/pkg/engine"
)

// Static errors
var (
	// ErrEngineResponse is returned for server errors without a recognized
	// error code
	ErrEngineResponse = errors.New("engine error response")
)

// queryResponse is the JSON envelope the query endpoint returns
type queryResponse struct {
	Data []json.RawMessage `json:"data"`
	Rows int               `json:"rows"`
}

// errorResponse carries a machine-readable code alongside the message so the
// client can map server-side failures to the engine sentinel errors
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errorCodes = map[string]error{
	"hypertable_not_found": engine.ErrHypertableNotFound,
	"chunk_not_found":      engine.ErrChunkNotFound,
	"chunk_compressed":     engine.ErrChunkCompressed,
	"version_conflict":     engine.ErrVersionConflict,
	"aggregate_not_found":  engine.ErrAggregateNotFound,
	"row_outside_chunk":    engine.ErrRowOutsideChunk,
	"type_mismatch":        engine.ErrTypeMismatch,
}

// httpClient executes rendered statements over the engine's HTTP interface
type httpClient struct {
	log           logrus.FieldLogger
	client        *http.Client
	baseURL       string
	user          string
	password      string
	debug         bool
	queryTimeout  time.Duration
	insertTimeout time.Duration
}

func newHTTPClient(log logrus.FieldLogger, cfg *Config) *httpClient {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     cfg.KeepAlive,
	}

	return &httpClient{
		log:           log,
		client:        &http.Client{Transport: transport},
		baseURL:       cfg.URL(),
		user:          cfg.User,
		password:      cfg.Password,
		debug:         cfg.Debug,
		queryTimeout:  cfg.QueryTimeout,
		insertTimeout: cfg.InsertTimeout,
	}
}

func (c *httpClient) close() {
	c.client.CloseIdleConnections()
}

// execute ships a statement and returns the raw response body
func (c *httpClient) execute(ctx context.Context, stmt string, timeout time.Duration) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout(ctx, timeout))
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL, strings.NewReader(stmt))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "text/plain")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	if c.debug {
		logStmt := stmt
		if len(logStmt) > 1000 {
			logStmt = logStmt[:1000] + "... (truncated)"
		}

		c.log.WithField("statement", logStmt).Debug("Executing engine statement")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", engine.ErrEngineUnreachable, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.log.WithError(closeErr).Debug("Failed to close response body")
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if jsonErr := json.Unmarshal(body, &errResp); jsonErr == nil && errResp.Error != "" {
			if sentinel, ok := errorCodes[errResp.Code]; ok {
				return nil, fmt.Errorf("%w: %s", sentinel, errResp.Error)
			}

			return nil, fmt.Errorf("%w (status %d): %s", ErrEngineResponse, resp.StatusCode, errResp.Error)
		}

		return nil, fmt.Errorf("%w (status %d): %s", ErrEngineResponse, resp.StatusCode, string(body))
	}

	return body, nil
}

// queryOne executes a statement and decodes the first result row into dest.
// Reports found=false when the result set is empty.
func (c *httpClient) queryOne(ctx context.Context, stmt string, dest any) (bool, error) {
	body, err := c.execute(ctx, stmt, c.queryTimeout)
	if err != nil {
		return false, err
	}

	var result queryResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return false, fmt.Errorf("failed to parse response: %w", err)
	}

	if len(result.Data) == 0 {
		return false, nil
	}

	if err := json.Unmarshal(result.Data[0], dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal result: %w", err)
	}

	return true, nil
}

// queryRows executes a statement and returns the raw result rows
func (c *httpClient) queryRows(ctx context.Context, stmt string) ([]json.RawMessage, error) {
	body, err := c.execute(ctx, stmt, c.queryTimeout)
	if err != nil {
		return nil, err
	}

	var result queryResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return result.Data, nil
}

// insert ships rows after an insert header, one JSON document per line
func (c *httpClient) insert(ctx context.Context, header string, rows []engine.Row) error {
	var buf bytes.Buffer

	buf.WriteString(header)
	buf.WriteByte('\n')

	for i, row := range rows {
		raw, err := engine.MarshalRow(row)
		if err != nil {
			return fmt.Errorf("failed to marshal row %d: %w", i, err)
		}

		buf.Write(raw)
		buf.WriteByte('\n')
	}

	_, err := c.execute(ctx, buf.String(), c.insertTimeout)

	return err
}

func (c *httpClient) timeout(ctx context.Context, fallback time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		return time.Until(deadline)
	}

	return fallback
}
