package foundryio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/palantir/palantir-compute-module-owner-search/pkg/foundry"
	localio "github.com/palantir/palantir-compute-module-owner-search/pkg/pipeline/io/local"
)

// DefaultOutputFilename is the file written into the output dataset transaction.
const DefaultOutputFilename = "people.csv"

const (
	retryAttempts = 8
	retryInitial  = 200 * time.Millisecond
	retryMax      = 2 * time.Second
)

// Datasets is the subset of *foundry.Client used here.
type Datasets interface {
	ReadTableCSV(ctx context.Context, datasetRID, branch string) ([]byte, error)
	CreateTransaction(ctx context.Context, datasetRID, branch string) (string, error)
	FindLatestOpenTransaction(ctx context.Context, datasetRID string) (string, bool, error)
	UploadFile(ctx context.Context, datasetRID, txnRID, filePath, contentType string, b []byte) error
	CommitTransaction(ctx context.Context, datasetRID, txnRID string) error
}

// ReadInputQueries reads the keywords/location rows of the input dataset.
func ReadInputQueries(ctx context.Context, client Datasets, inputRef foundry.DatasetRef) ([]localio.Query, error) {
	var b []byte
	err := retryTransient(ctx, func() error {
		var err error
		b, err = client.ReadTableCSV(ctx, inputRef.RID, inputRef.Branch)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read input dataset %s: %w", inputRef.RID, err)
	}
	return localio.ReadQueriesCSV(bytes.NewReader(b))
}

// UploadDatasetCSV uploads CSV bytes into a transaction on the output dataset.
// A transaction opened by this call is committed; one that a build already
// opened is reused and left for the build to commit.
func UploadDatasetCSV(ctx context.Context, client Datasets, outputRef foundry.DatasetRef, outputFilename string, csv []byte) error {
	if strings.TrimSpace(outputFilename) == "" {
		outputFilename = DefaultOutputFilename
	}

	var txnRID string
	createdTxn := true
	err := retryTransient(ctx, func() error {
		var err error
		txnRID, err = client.CreateTransaction(ctx, outputRef.RID, outputRef.Branch)
		return err
	})
	if err != nil {
		if !foundry.IsOpenTransactionConflict(err) {
			return err
		}
		createdTxn = false

		var ok bool
		err = retryTransient(ctx, func() error {
			var err error
			txnRID, ok, err = client.FindLatestOpenTransaction(ctx, outputRef.RID)
			return err
		})
		if err != nil {
			return err
		}
		if !ok || txnRID == "" {
			return fmt.Errorf("output dataset has an open transaction but listTransactions returned none")
		}
	}

	if err := retryTransient(ctx, func() error {
		return client.UploadFile(ctx, outputRef.RID, txnRID, outputFilename, "text/csv", csv)
	}); err != nil {
		return err
	}

	if createdTxn {
		return retryTransient(ctx, func() error {
			return client.CommitTransaction(ctx, outputRef.RID, txnRID)
		})
	}
	return nil
}

// DatasetCSV stores rows as one CSV file in the output dataset.
type DatasetCSV[Row any] struct {
	Client   Datasets
	Ref      foundry.DatasetRef
	Filename string
	Encode   func(w io.Writer, rows []Row) error
}

func (d DatasetCSV[Row]) Store(ctx context.Context, rows []Row) error {
	var buf bytes.Buffer
	if err := d.Encode(&buf, rows); err != nil {
		return err
	}
	return UploadDatasetCSV(ctx, d.Client, d.Ref, d.Filename, buf.Bytes())
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var he *foundry.HTTPError
	if errors.As(err, &he) {
		return he.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED)
}

// retryTransient retries f with doubling backoff while it fails transiently.
func retryTransient(ctx context.Context, f func() error) error {
	sleep := retryInitial
	var err error
	for i := range retryAttempts {
		if err = f(); err == nil {
			return nil
		}
		if !isTransient(err) || i == retryAttempts-1 || ctx.Err() != nil {
			return err
		}

		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		sleep = min(sleep*2, retryMax)
	}
	return err
}
