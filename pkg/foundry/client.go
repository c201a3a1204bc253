package foundry

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultBranch is used when an alias or caller leaves the branch empty.
const DefaultBranch = "master"

// Client is a minimal HTTP client for the dataset endpoints the owner search
// reads queries from and writes result CSVs to.
type Client struct {
	apiBaseURL *url.URL
	token      string
	http       *http.Client
}

// NewClient constructs a client for the API gateway base URL, which should look
// like "https://<stack>.palantirfoundry.com/api".
//
// defaultCAPath is optional and, when provided, is used as the trust store for TLS.
func NewClient(apiGatewayURL, token, defaultCAPath string) (*Client, error) {
	apiBase, err := parseBaseURL(apiGatewayURL, "api gateway")
	if err != nil {
		return nil, err
	}
	hc, err := newHTTPClient(defaultCAPath)
	if err != nil {
		return nil, err
	}
	return &Client{
		apiBaseURL: apiBase,
		token:      strings.TrimSpace(token),
		http:       hc,
	}, nil
}

func parseBaseURL(raw string, name string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%s base URL is required", name)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s base URL: %w", name, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%s base URL must include a host (got %q)", name, raw)
	}
	// ResolveReference treats the base as a directory only with a trailing slash.
	u.Path = strings.TrimRight(u.Path, "/") + "/"
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

func newHTTPClient(defaultCAPath string) (*http.Client, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if p := strings.TrimSpace(defaultCAPath); p != "" {
		pool, err := loadCertPool(p)
		if err != nil {
			return nil, err
		}
		tr.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}
	return &http.Client{Transport: tr, Timeout: 60 * time.Second}, nil
}

// loadCertPool reads a PEM bundle such as the one named by DEFAULT_CA_PATH.
func loadCertPool(p string) (*x509.CertPool, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read DEFAULT_CA_PATH file: %w", err)
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(b); !ok {
		return nil, fmt.Errorf("parse DEFAULT_CA_PATH PEM: no certs found")
	}
	return pool, nil
}

type request struct {
	op          string
	method      string
	path        string
	query       url.Values
	body        []byte
	contentType string
	accept      string
}

// do sends req and returns the response body of a 2xx reply. Any other status
// becomes an *HTTPError.
func (c *Client) do(ctx context.Context, req request) ([]byte, error) {
	u := c.resolveAPI(req.path)
	if len(req.query) > 0 {
		u.RawQuery = req.query.Encode()
	}

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.method, u.String(), body)
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Authorization", "Bearer "+c.token)
	if req.contentType != "" {
		hreq.Header.Set("Content-Type", req.contentType)
	}
	if req.accept != "" {
		hreq.Header.Set("Accept", req.accept)
	}

	resp, err := c.http.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, newHTTPError(req.op, resp, b)
	}
	return b, nil
}

type branchResponse struct {
	Name           string `json:"name"`
	TransactionRID string `json:"transactionRid"`
}

// GetBranchTransactionRID returns the most recent OPEN or COMMITTED transaction on
// the branch, used to pin readTable to one snapshot.
func (c *Client) GetBranchTransactionRID(ctx context.Context, datasetRID, branch string) (string, error) {
	datasetRID = strings.TrimSpace(datasetRID)
	if datasetRID == "" {
		return "", fmt.Errorf("dataset rid is required")
	}
	b, err := c.do(ctx, request{
		op:     "getBranch",
		method: http.MethodGet,
		path:   fmt.Sprintf("v2/datasets/%s/branches/%s", url.PathEscape(datasetRID), url.PathEscape(branchOrDefault(branch))),
		accept: "application/json",
	})
	if err != nil {
		return "", err
	}
	var out branchResponse
	if err := json.Unmarshal(b, &out); err != nil {
		return "", fmt.Errorf("parse get branch response: %w", err)
	}
	return strings.TrimSpace(out.TransactionRID), nil
}

// ReadTableCSV reads the dataset's current branch snapshot as CSV bytes.
func (c *Client) ReadTableCSV(ctx context.Context, datasetRID, branch string) ([]byte, error) {
	branch = branchOrDefault(branch)
	txnRID, err := c.GetBranchTransactionRID(ctx, datasetRID, branch)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("branchName", branch)
	if txnRID != "" {
		q.Set("startTransactionRid", txnRID)
		q.Set("endTransactionRid", txnRID)
	}
	q.Set("format", "CSV")

	return c.do(ctx, request{
		op:     "readTable",
		method: http.MethodGet,
		path:   fmt.Sprintf("v2/datasets/%s/readTable", url.PathEscape(datasetRID)),
		query:  q,
		accept: "text/csv",
	})
}

type createTxnRequest struct {
	TransactionType string `json:"transactionType"`
}

type createTxnResponse struct {
	RID string `json:"rid"`
}

// CreateTransaction opens a SNAPSHOT transaction and returns its RID.
func (c *Client) CreateTransaction(ctx context.Context, datasetRID, branch string) (string, error) {
	body, err := json.Marshal(createTxnRequest{TransactionType: "SNAPSHOT"})
	if err != nil {
		return "", err
	}
	q := url.Values{}
	if strings.TrimSpace(branch) != "" {
		q.Set("branchName", strings.TrimSpace(branch))
	}
	b, err := c.do(ctx, request{
		op:          "createTransaction",
		method:      http.MethodPost,
		path:        fmt.Sprintf("v2/datasets/%s/transactions", url.PathEscape(datasetRID)),
		query:       q,
		body:        body,
		contentType: "application/json",
		accept:      "application/json",
	})
	if err != nil {
		return "", err
	}

	var out createTxnResponse
	if err := json.Unmarshal(b, &out); err != nil {
		return "", fmt.Errorf("parse create transaction response: %w", err)
	}
	rid := strings.TrimSpace(out.RID)
	if rid == "" {
		return "", fmt.Errorf("create transaction response missing rid")
	}
	return rid, nil
}

type Transaction struct {
	TransactionType string  `json:"transactionType"`
	CreatedTime     string  `json:"createdTime"`
	RID             string  `json:"rid"`
	ClosedTime      *string `json:"closedTime,omitempty"`
	Status          string  `json:"status"`
}

type listTxnsResponse struct {
	Data          []Transaction `json:"data"`
	NextPageToken string        `json:"nextPageToken"`
}

// ListTransactions lists transactions for a dataset, newest first. The endpoint
// is a preview API and requires preview=true.
func (c *Client) ListTransactions(ctx context.Context, datasetRID string, pageSize int, pageToken string) ([]Transaction, string, error) {
	q := url.Values{}
	q.Set("preview", "true")
	if pageSize > 0 {
		q.Set("pageSize", strconv.Itoa(pageSize))
	}
	if t := strings.TrimSpace(pageToken); t != "" {
		q.Set("pageToken", t)
	}
	b, err := c.do(ctx, request{
		op:     "listTransactions",
		method: http.MethodGet,
		path:   fmt.Sprintf("v2/datasets/%s/transactions", url.PathEscape(datasetRID)),
		query:  q,
		accept: "application/json",
	})
	if err != nil {
		return nil, "", err
	}
	var out listTxnsResponse
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, "", fmt.Errorf("parse list transactions response: %w", err)
	}
	return out.Data, strings.TrimSpace(out.NextPageToken), nil
}

// FindLatestOpenTransaction returns the RID of the newest OPEN transaction,
// scanning at most five pages.
func (c *Client) FindLatestOpenTransaction(ctx context.Context, datasetRID string) (string, bool, error) {
	pageToken := ""
	for range 5 {
		txns, next, err := c.ListTransactions(ctx, datasetRID, 100, pageToken)
		if err != nil {
			return "", false, err
		}
		for _, t := range txns {
			if strings.EqualFold(strings.TrimSpace(t.Status), "OPEN") && strings.TrimSpace(t.RID) != "" {
				return strings.TrimSpace(t.RID), true, nil
			}
		}
		if next == "" {
			break
		}
		pageToken = next
	}
	return "", false, nil
}

// UploadFile uploads file bytes to a path inside a transaction.
func (c *Client) UploadFile(ctx context.Context, datasetRID, txnRID, filePath, contentType string, b []byte) error {
	q := url.Values{}
	if t := strings.TrimSpace(txnRID); t != "" {
		q.Set("transactionRid", t)
	}
	if b == nil {
		b = []byte{}
	}
	_, err := c.do(ctx, request{
		op:          "uploadFile",
		method:      http.MethodPost,
		path:        fmt.Sprintf("v2/datasets/%s/files/%s/upload", url.PathEscape(datasetRID), escapeURLPath(filePath)),
		query:       q,
		body:        b,
		contentType: contentType,
	})
	return err
}

// CommitTransaction commits an open transaction.
func (c *Client) CommitTransaction(ctx context.Context, datasetRID, txnRID string) error {
	_, err := c.do(ctx, request{
		op:     "commitTransaction",
		method: http.MethodPost,
		path:   fmt.Sprintf("v2/datasets/%s/transactions/%s/commit", url.PathEscape(datasetRID), url.PathEscape(txnRID)),
		accept: "application/json",
	})
	return err
}

// resolveAPI joins an already-escaped relative path onto the API base URL.
func (c *Client) resolveAPI(relPath string) *url.URL {
	relPath = strings.TrimPrefix(relPath, "/")
	rel := &url.URL{Path: relPath}
	if unescaped, err := url.PathUnescape(relPath); err == nil {
		rel = &url.URL{Path: unescaped, RawPath: relPath}
	}
	return c.apiBaseURL.ResolveReference(rel)
}

func branchOrDefault(branch string) string {
	if b := strings.TrimSpace(branch); b != "" {
		return b
	}
	return DefaultBranch
}

// escapeURLPath escapes each segment of p and keeps the "/" separators.
func escapeURLPath(p string) string {
	cleaned := strings.TrimPrefix(path.Clean("/"+p), "/")
	if cleaned == "" || cleaned == "." {
		return ""
	}
	parts := strings.Split(cleaned, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
