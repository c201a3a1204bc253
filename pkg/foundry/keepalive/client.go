// Package keepalive implements the compute-module job loop: poll GET_JOB_URI for
// a job, run it and post the result bytes to POST_RESULT_URI.
package keepalive

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
	"strings"
	"time"

	"github.com/palantir/palantir-compute-module-owner-search/pkg/pipeline/redact"
)

type computeModuleJobEnvelope struct {
	ComputeModuleJobV1 Job `json:"computeModuleJobV1"`
}

// Job is one compute-module job from the runtime sidecar.
type Job struct {
	JobID     string          `json:"jobId"`
	QueryType string          `json:"queryType"`
	Query     json.RawMessage `json:"query"`
}

// Handler runs one job and returns the bytes to post back.
type Handler func(ctx context.Context, job Job) ([]byte, error)

// Config controls keepalive polling.
type Config struct {
	GetJobURI       string
	PostResultURI   string
	ModuleAuthToken string
	DefaultCAPath   string

	// PollInterval is the wait after an empty poll. Default 500ms.
	PollInterval time.Duration
	// MaxBackoff caps the wait after a failed poll. Default 5s.
	MaxBackoff time.Duration
	// HTTPClient overrides the client built from DefaultCAPath.
	HTTPClient *http.Client
	// Logf receives loop events. Nil discards them.
	Logf func(format string, args ...any)
}

// LoadConfigFromEnv reads the sidecar endpoints. ok is false when the module is
// not running under the compute-module runtime.
func LoadConfigFromEnv() (Config, bool, error) {
	getJob, err := normalizeLocalhostURI(os.Getenv("GET_JOB_URI"))
	if err != nil {
		return Config{}, false, fmt.Errorf("invalid GET_JOB_URI: %w", err)
	}
	postRes, err := normalizeLocalhostURI(os.Getenv("POST_RESULT_URI"))
	if err != nil {
		return Config{}, false, fmt.Errorf("invalid POST_RESULT_URI: %w", err)
	}
	if getJob == "" || postRes == "" {
		return Config{}, false, nil
	}

	modTok, err := readValueOrFile(os.Getenv("MODULE_AUTH_TOKEN"), "MODULE_AUTH_TOKEN")
	if err != nil {
		return Config{}, false, err
	}
	if modTok == "" {
		return Config{}, false, fmt.Errorf("MODULE_AUTH_TOKEN is required when GET_JOB_URI/POST_RESULT_URI are set")
	}
	caPath := strings.TrimSpace(os.Getenv("DEFAULT_CA_PATH"))
	if caPath == "" {
		return Config{}, false, fmt.Errorf("DEFAULT_CA_PATH is required when GET_JOB_URI/POST_RESULT_URI are set")
	}

	return Config{
		GetJobURI:       getJob,
		PostResultURI:   postRes,
		ModuleAuthToken: modTok,
		DefaultCAPath:   caPath,
	}, true, nil
}

// normalizeLocalhostURI rewrites localhost to 127.0.0.1. The sidecar often binds
// only the IPv4 loopback while Go may resolve localhost to ::1 first.
func normalizeLocalhostURI(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	host := u.Hostname()
	if host == "localhost" || host == "::1" {
		if port := u.Port(); port != "" {
			u.Host = "127.0.0.1:" + port
		} else {
			u.Host = "127.0.0.1"
		}
	}
	return u.String(), nil
}

// RunLoop polls for jobs until ctx is done. Job failures are posted back as the
// redacted error text so the platform records them.
func RunLoop(ctx context.Context, cfg Config, handle Handler) error {
	logf := cfg.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Second
	}

	hc := cfg.HTTPClient
	if hc == nil {
		var err error
		hc, err = newHTTPClient(cfg.DefaultCAPath)
		if err != nil {
			return err
		}
	}

	logf("compute module client enabled; polling GET_JOB_URI=%s", cfg.GetJobURI)

	backoff := poll
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, ok, err := getNextJob(ctx, hc, cfg.GetJobURI, cfg.ModuleAuthToken)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logf("compute module client: get job failed: %s", redact.Secrets(err.Error()))
			if err := sleep(ctx, backoff); err != nil {
				return err
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = poll
		if !ok {
			if err := sleep(ctx, poll); err != nil {
				return err
			}
			continue
		}

		jobID := strings.TrimSpace(job.JobID)
		if jobID == "" {
			logf("compute module client: received job without jobId; skipping")
			continue
		}

		start := time.Now()
		logf("compute module client: received jobId=%s queryType=%s", jobID, strings.TrimSpace(job.QueryType))
		result, jobErr := handle(ctx, job)
		if jobErr != nil {
			msg := redact.Secrets(jobErr.Error())
			logf("compute module client: jobId=%s failed after %s: %s", jobID, time.Since(start).Round(time.Millisecond), msg)
			if len(result) == 0 {
				result = []byte(msg)
			}
		} else {
			logf("compute module client: jobId=%s done in %s bytes=%d", jobID, time.Since(start).Round(time.Millisecond), len(result))
			if len(result) == 0 {
				result = []byte("ok")
			}
		}

		if err := postResultWithRetry(ctx, hc, cfg, jobID, result, logf); err != nil {
			return err
		}
	}
}

// postResultWithRetry tries the post up to six times. Only ctx cancellation is
// returned; a result that still fails is logged and dropped.
func postResultWithRetry(ctx context.Context, hc *http.Client, cfg Config, jobID string, result []byte, logf func(string, ...any)) error {
	var err error
	for attempt := range 6 {
		if attempt > 0 {
			if serr := sleep(ctx, time.Duration(attempt)*time.Second); serr != nil {
				return serr
			}
		}
		if err = postResult(ctx, hc, cfg.PostResultURI, cfg.ModuleAuthToken, jobID, result); err == nil {
			return nil
		}
		logf("compute module client: post result failed for jobId=%s attempt=%d: %s", jobID, attempt+1, redact.Secrets(err.Error()))
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func newHTTPClient(caPath string) (*http.Client, error) {
	b, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("read DEFAULT_CA_PATH: %w", err)
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(b); !ok {
		return nil, fmt.Errorf("parse DEFAULT_CA_PATH PEM: no certs found")
	}
	tr := &http.Transport{
		TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
	}
	return &http.Client{Transport: tr, Timeout: 30 * time.Second}, nil
}

func getNextJob(ctx context.Context, hc *http.Client, getJobURI, moduleAuthToken string) (Job, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, getJobURI, nil)
	if err != nil {
		return Job{}, false, err
	}
	req.Header.Set("Module-Auth-Token", moduleAuthToken)
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return Job{}, false, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNoContent {
		return Job{}, false, nil
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return Job{}, false, err
	}
	if resp.StatusCode/100 != 2 {
		return Job{}, false, fmt.Errorf("GET job: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var env computeModuleJobEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Job{}, false, fmt.Errorf("parse GET job response: %w", err)
	}
	return env.ComputeModuleJobV1, true, nil
}

func postResult(ctx context.Context, hc *http.Client, postResultURI, moduleAuthToken, jobID string, result []byte) error {
	base := strings.TrimRight(strings.TrimSpace(postResultURI), "/")
	u := base + "/" + path.Clean("/" + jobID)[1:]

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(result))
	if err != nil {
		return err
	}
	req.Header.Set("Module-Auth-Token", moduleAuthToken)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("POST result: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

// readValueOrFile accepts either a literal value or a path to a file holding it.
func readValueOrFile(v string, varName string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", nil
	}
	if strings.ContainsAny(v, "\r\n") {
		return v, nil
	}
	if fi, err := os.Stat(v); err == nil && !fi.IsDir() {
		b, err := os.ReadFile(v)
		if err != nil {
			return "", fmt.Errorf("read %s file: %w", varName, err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	return v, nil
}
