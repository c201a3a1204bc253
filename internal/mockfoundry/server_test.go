package mockfoundry_test

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/palantir/palantir-compute-module-owner-search/internal/mockfoundry"
	"github.com/palantir/palantir-compute-module-owner-search/pkg/foundry"
)

func newClient(t *testing.T, srv *mockfoundry.Server, token string) *foundry.Client {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	client, err := foundry.NewClient(ts.URL+"/api", token, "")
	if err != nil {
		t.Fatalf("new foundry client: %v", err)
	}
	return client
}

func TestMockFoundry_CommitUpdatesReadTable(t *testing.T) {
	t.Parallel()

	srv := mockfoundry.New(t.TempDir(), t.TempDir())
	client := newClient(t, srv, "dummy-token")

	ctx := context.Background()
	rid := "ri.foundry.main.dataset.99999999-9999-9999-9999-999999999999"

	txnRID, err := client.CreateTransaction(ctx, rid, "master")
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	want := []byte("Name,Age\nAnn Lee,40\n")
	if err := client.UploadFile(ctx, rid, txnRID, "people.csv", "text/csv", want); err != nil {
		t.Fatalf("upload file: %v", err)
	}
	if err := client.CommitTransaction(ctx, rid, txnRID); err != nil {
		t.Fatalf("commit transaction: %v", err)
	}

	got, err := client.ReadTableCSV(ctx, rid, "")
	if err != nil {
		t.Fatalf("readTable: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("readTable output mismatch:\n--- got ---\n%s\n--- want ---\n%s\n", got, want)
	}

	pinned, err := client.GetBranchTransactionRID(ctx, rid, "master")
	if err != nil {
		t.Fatalf("get branch: %v", err)
	}
	if pinned != txnRID {
		t.Fatalf("branch transaction=%q want %q", pinned, txnRID)
	}
}

func TestMockFoundry_ReadsInputDir(t *testing.T) {
	t.Parallel()

	inputDir := t.TempDir()
	rid := "ri.foundry.main.dataset.11111111-1111-1111-1111-111111111111"
	want := "keywords,location\nplumbing,\"Las Vegas, NV\"\n"
	if err := os.WriteFile(filepath.Join(inputDir, rid+".csv"), []byte(want), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	client := newClient(t, mockfoundry.New(inputDir, t.TempDir()), "tok")

	got, err := client.ReadTableCSV(context.Background(), rid, "master")
	if err != nil {
		t.Fatalf("readTable: %v", err)
	}
	if string(got) != want {
		t.Fatalf("got %q", got)
	}

	_, err = client.ReadTableCSV(context.Background(), "ri.missing", "master")
	if !foundry.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMockFoundry_RequireBearerToken(t *testing.T) {
	t.Parallel()

	srv := mockfoundry.New(t.TempDir(), t.TempDir())
	srv.RequireBearerToken("right")
	client := newClient(t, srv, "wrong")

	_, err := client.CreateTransaction(context.Background(), "ri.x", "master")
	if err == nil || !strings.Contains(err.Error(), "status=401") {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestMockFoundry_SecondCreateConflicts(t *testing.T) {
	t.Parallel()

	client := newClient(t, mockfoundry.New(t.TempDir(), t.TempDir()), "tok")
	ctx := context.Background()
	rid := "ri.foundry.main.dataset.eeeeeeee-eeee-eeee-eeee-eeeeeeeeeeee"

	first, err := client.CreateTransaction(ctx, rid, "master")
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	_, err = client.CreateTransaction(ctx, rid, "master")
	if !foundry.IsOpenTransactionConflict(err) {
		t.Fatalf("expected open transaction conflict, got %v", err)
	}

	open, ok, err := client.FindLatestOpenTransaction(ctx, rid)
	if err != nil || !ok || open != first {
		t.Fatalf("FindLatestOpenTransaction=%q ok=%v err=%v want %q", open, ok, err, first)
	}
}

func TestMockFoundry_RejectUploadDatasetMismatch(t *testing.T) {
	t.Parallel()

	client := newClient(t, mockfoundry.New(t.TempDir(), t.TempDir()), "tok")
	ctx := context.Background()
	ridA := "ri.foundry.main.dataset.aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"
	ridB := "ri.foundry.main.dataset.bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb"

	txnRID, err := client.CreateTransaction(ctx, ridA, "")
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	err = client.UploadFile(ctx, ridB, txnRID, "people.csv", "text/csv", []byte("Name\n"))
	if err == nil || !strings.Contains(err.Error(), "errorName=TransactionNotFound") {
		t.Fatalf("expected TransactionNotFound error, got: %v", err)
	}
}

func TestMockFoundry_RejectCommitWithoutSingleFile(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		files []string
	}{
		{name: "no files"},
		{name: "two files", files: []string{"people.csv", "other.csv"}},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			client := newClient(t, mockfoundry.New(t.TempDir(), t.TempDir()), "tok")
			ctx := context.Background()
			rid := "ri.foundry.main.dataset.c" + strings.Repeat("c", i+1)

			txnRID, err := client.CreateTransaction(ctx, rid, "")
			if err != nil {
				t.Fatalf("create transaction: %v", err)
			}
			for _, f := range tc.files {
				if err := client.UploadFile(ctx, rid, txnRID, f, "text/csv", []byte("x")); err != nil {
					t.Fatalf("upload %s: %v", f, err)
				}
			}
			err = client.CommitTransaction(ctx, rid, txnRID)
			if err == nil || !strings.Contains(err.Error(), "errorName=Conjure:InvalidArgument") {
				t.Fatalf("expected InvalidArgument error, got: %v", err)
			}
		})
	}
}

func TestMockFoundry_RecordsCalls(t *testing.T) {
	t.Parallel()

	srv := mockfoundry.New(t.TempDir(), t.TempDir())
	client := newClient(t, srv, "tok")
	_, _ = client.ReadTableCSV(context.Background(), "ri.in", "dev")

	calls := srv.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %#v", calls)
	}
	if calls[0].Method != "GET" || calls[0].Path != "/api/v2/datasets/ri.in/branches/dev" {
		t.Fatalf("call[0]=%#v", calls[0])
	}
	if calls[1].Method != "GET" || calls[1].Path != "/api/v2/datasets/ri.in/readTable" {
		t.Fatalf("call[1]=%#v", calls[1])
	}
}
