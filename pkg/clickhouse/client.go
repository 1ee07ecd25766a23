// Package clickhouse provides access to ClickHouse over its HTTP interface.
//
// Queries return rows in JSONEachRow format, inserts post JSONEachRow
// payloads with the statement in the query parameter. All requests share
// one pooled http.Client with a fixed timeout and a bounded retry policy.
package clickhouse

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/siddontang/loggers"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultPort is used when the DSN does not carry an explicit port.
	DefaultPort = 8123

	requestTimeout      = 30 * time.Second
	maxAttempts         = 3
	maxIdleConnsPerHost = 10
)

// retryInterval is really a const, but set to var for testing.
var retryInterval = 2 * time.Second

// Row is one result row: column name to raw JSON value. Values are kept
// as parsed bytes without any coercion so that re-serialization is stable.
type Row map[string]json.RawMessage

// Endpoint is a parsed ClickHouse HTTP DSN. The database is never part of
// the URL; it is passed per-request as the `database` query parameter.
type Endpoint struct {
	BaseURL  string
	Username string
	Password string
}

// ParseDSN parses `http(s)://user:pass@host[:port][/...]` into an Endpoint.
// The trailing path is ignored.
func ParseDSN(dsn string) (*Endpoint, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("malformed DSN %q: %w", dsn, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("malformed DSN %q: scheme must be http or https", dsn)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("malformed DSN %q: missing host", dsn)
	}
	host := u.Hostname()
	if u.Port() != "" {
		host = fmt.Sprintf("%s:%s", host, u.Port())
	} else {
		host = fmt.Sprintf("%s:%d", host, DefaultPort)
	}
	ep := &Endpoint{
		BaseURL: fmt.Sprintf("%s://%s", u.Scheme, host),
	}
	if u.User != nil {
		ep.Username = u.User.Username()
		ep.Password, _ = u.User.Password()
	}
	return ep, nil
}

// ClientError is returned when a statement fails after all retry attempts.
// It carries the statement and the last HTTP status and response body.
type ClientError struct {
	SQL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *ClientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("clickhouse request failed: %v: sql=%s", e.Err, e.SQL)
	}
	return fmt.Sprintf("clickhouse request failed: status=%d body=%s sql=%s", e.StatusCode, e.Body, e.SQL)
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

// Client issues queries, statements and inserts against ClickHouse
// endpoints. It is safe for concurrent use; all workers share one Client.
type Client struct {
	httpClient *http.Client
	logger     loggers.Advanced
}

// NewClient returns a Client with the standard pooled transport.
func NewClient(logger loggers.Advanced) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: maxIdleConnsPerHost,
			},
		},
		logger: logger,
	}
}

// QueryRows runs query against database and returns the parsed rows.
// FORMAT JSONEachRow is appended to the statement.
func (c *Client) QueryRows(ctx context.Context, ep *Endpoint, database, query string) ([]Row, error) {
	body, err := c.do(ctx, ep, url.Values{"database": {database}}, []byte(query+" FORMAT JSONEachRow"), query)
	if err != nil {
		return nil, err
	}
	var rows []Row
	for _, line := range bytes.Split(body, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var row Row
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, fmt.Errorf("parsing result row of %q: %w", query, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Exec runs a DDL or DML statement against database, discarding any output.
func (c *Client) Exec(ctx context.Context, ep *Endpoint, database, query string) error {
	_, err := c.do(ctx, ep, url.Values{"database": {database}}, []byte(query), query)
	return err
}

// Insert posts a JSONEachRow payload into table. An empty payload is a
// no-op: ClickHouse rejects empty INSERT bodies, and there is nothing to do.
func (c *Client) Insert(ctx context.Context, ep *Endpoint, database, table string, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	query := fmt.Sprintf("INSERT INTO `%s` FORMAT JSONEachRow", table)
	params := url.Values{
		"database": {database},
		"query":    {query},
	}
	_, err := c.do(ctx, ep, params, payload, query)
	return err
}

// Ping verifies the endpoint is reachable and the credentials are accepted.
func (c *Client) Ping(ctx context.Context, ep *Endpoint) error {
	_, err := c.do(ctx, ep, url.Values{}, []byte("SELECT 1"), "SELECT 1")
	return err
}

// do posts body to the endpoint and returns the response body. Transport
// failures and non-2xx responses are retried up to maxAttempts with a
// constant back-off; the error from the last attempt is returned.
func (c *Client) do(ctx context.Context, ep *Endpoint, params url.Values, body []byte, sql string) ([]byte, error) {
	reqURL := ep.BaseURL + "/"
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	var respBody []byte
	attempt := 0
	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(&ClientError{SQL: sql, Err: err})
		}
		if ep.Username != "" || ep.Password != "" {
			req.SetBasicAuth(ep.Username, ep.Password)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Warnf("clickhouse request failed (attempt %d/%d): %v", attempt, maxAttempts, err)
			return &ClientError{SQL: sql, Err: err}
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			c.logger.Warnf("clickhouse response read failed (attempt %d/%d): %v", attempt, maxAttempts, err)
			return &ClientError{SQL: sql, StatusCode: resp.StatusCode, Err: err}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			c.logger.Warnf("clickhouse returned status %d (attempt %d/%d): %s", resp.StatusCode, attempt, maxAttempts, summarize(data))
			return &ClientError{SQL: sql, StatusCode: resp.StatusCode, Body: string(data)}
		}
		respBody = data
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(retryInterval), maxAttempts-1), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return respBody, nil
}

// summarize truncates a response body for log lines.
func summarize(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 512 {
		return s[:512] + "..."
	}
	return s
}
