package foundryio_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/palantir/palantir-compute-module-owner-search/internal/mockfoundry"
	"github.com/palantir/palantir-compute-module-owner-search/pkg/foundry"
	foundryio "github.com/palantir/palantir-compute-module-owner-search/pkg/pipeline/io/foundry"
)

const (
	inputRID  = "ri.foundry.main.dataset.11111111-1111-1111-1111-111111111111"
	outputRID = "ri.foundry.main.dataset.22222222-2222-2222-2222-222222222222"
)

func newMock(t *testing.T, input string) (*mockfoundry.Server, *foundry.Client) {
	t.Helper()
	inputDir := t.TempDir()
	if input != "" {
		if err := os.WriteFile(filepath.Join(inputDir, inputRID+".csv"), []byte(input), 0o644); err != nil {
			t.Fatalf("write input: %v", err)
		}
	}
	mock := mockfoundry.New(inputDir, t.TempDir())
	ts := httptest.NewServer(mock.Handler())
	t.Cleanup(ts.Close)
	client, err := foundry.NewClient(ts.URL+"/api", "tok", "")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return mock, client
}

func TestReadInputQueries(t *testing.T) {
	t.Parallel()

	_, client := newMock(t, "keywords,location\nplumbing,\"Las Vegas, NV\"\n")
	got, err := foundryio.ReadInputQueries(context.Background(), client, foundry.DatasetRef{RID: inputRID, Branch: "master"})
	if err != nil {
		t.Fatalf("ReadInputQueries: %v", err)
	}
	if len(got) != 1 || got[0].Keywords != "plumbing" || got[0].Location != "Las Vegas, NV" {
		t.Fatalf("unexpected queries: %#v", got)
	}
}

func TestReadInputQueries_MissingDatasetNotRetried(t *testing.T) {
	t.Parallel()

	mock, client := newMock(t, "")
	_, err := foundryio.ReadInputQueries(context.Background(), client, foundry.DatasetRef{RID: inputRID})
	if !foundry.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if n := len(mock.Calls()); n != 2 {
		t.Fatalf("expected one branch + one readTable call, got %d", n)
	}
}

func TestDatasetCSV_CreatesUploadsAndCommits(t *testing.T) {
	t.Parallel()

	mock, client := newMock(t, "")
	sink := foundryio.DatasetCSV[string]{
		Client:   client,
		Ref:      foundry.DatasetRef{RID: outputRID, Branch: "master"},
		Filename: "people.csv",
		Encode: func(w io.Writer, rows []string) error {
			_, err := io.WriteString(w, "Name\n"+strings.Join(rows, "\n")+"\n")
			return err
		},
	}
	if err := sink.Store(context.Background(), []string{"Ann Lee"}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	uploads := mock.Uploads()
	if len(uploads) != 1 || uploads[0].FilePath != "people.csv" || string(uploads[0].Bytes) != "Name\nAnn Lee\n" {
		t.Fatalf("unexpected uploads: %#v", uploads)
	}
	got, err := client.ReadTableCSV(context.Background(), outputRID, "master")
	if err != nil || string(got) != "Name\nAnn Lee\n" {
		t.Fatalf("read after write=%q err=%v", got, err)
	}
}

func TestUploadDatasetCSV_ReusesOpenTransaction(t *testing.T) {
	t.Parallel()

	mock, client := newMock(t, "")
	ctx := context.Background()
	pre, err := client.CreateTransaction(ctx, outputRID, "master")
	if err != nil {
		t.Fatalf("pre-create: %v", err)
	}

	if err := foundryio.UploadDatasetCSV(ctx, client, foundry.DatasetRef{RID: outputRID, Branch: "master"}, "", []byte("Name\n")); err != nil {
		t.Fatalf("UploadDatasetCSV: %v", err)
	}
	uploads := mock.Uploads()
	if len(uploads) != 1 || uploads[0].TxnRID != pre || uploads[0].FilePath != foundryio.DefaultOutputFilename {
		t.Fatalf("unexpected uploads: %#v", uploads)
	}
	for _, c := range mock.Calls() {
		if strings.HasSuffix(c.Path, "/commit") {
			t.Fatalf("a reused transaction must not be committed: %#v", c)
		}
	}
}

type flakyDatasets struct {
	foundryio.Datasets
	readFailures int
	reads        int
}

func (f *flakyDatasets) ReadTableCSV(context.Context, string, string) ([]byte, error) {
	f.reads++
	if f.reads <= f.readFailures {
		return nil, &foundry.HTTPError{Op: "readTable", StatusCode: http.StatusServiceUnavailable, Status: "503 Service Unavailable"}
	}
	return []byte("keywords,location\nhvac,Reno\n"), nil
}

func TestReadInputQueries_RetriesTransient(t *testing.T) {
	t.Parallel()

	f := &flakyDatasets{readFailures: 2}
	got, err := foundryio.ReadInputQueries(context.Background(), f, foundry.DatasetRef{RID: inputRID})
	if err != nil {
		t.Fatalf("ReadInputQueries: %v", err)
	}
	if f.reads != 3 || len(got) != 1 {
		t.Fatalf("reads=%d got=%#v", f.reads, got)
	}
}

func TestReadInputQueries_CanceledDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &flakyDatasets{readFailures: 100}
	_, err := foundryio.ReadInputQueries(ctx, f, foundry.DatasetRef{RID: inputRID})
	var he *foundry.HTTPError
	if !errors.Is(err, context.Canceled) && !errors.As(err, &he) {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.reads != 1 {
		t.Fatalf("expected a single attempt, got %d", f.reads)
	}
}
