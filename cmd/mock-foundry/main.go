package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/palantir/palantir-compute-module-owner-search/internal/mockfoundry"
)

func main() {
	addr := defaultString("MOCK_FOUNDRY_ADDR", ":8080")
	inputDir := defaultString("MOCK_FOUNDRY_INPUT_DIR", "/data/inputs")
	uploadDir := defaultString("MOCK_FOUNDRY_UPLOAD_DIR", "/data/uploads")
	token := defaultString("MOCK_FOUNDRY_TOKEN", "")

	fs := flag.NewFlagSet("mock-foundry", flag.ExitOnError)
	fs.StringVar(&addr, "addr", addr, "Listen address")
	fs.StringVar(&inputDir, "input-dir", inputDir, "Directory containing query CSVs named <rid>.csv")
	fs.StringVar(&uploadDir, "upload-dir", uploadDir, "Directory to persist uploaded and committed files")
	fs.StringVar(&token, "token", token, "Require this bearer token on every request (env: MOCK_FOUNDRY_TOKEN)")
	_ = fs.Parse(os.Args[1:])

	srv := mockfoundry.New(inputDir, uploadDir)
	if token != "" {
		srv.RequireBearerToken(token)
	}

	_, _ = fmt.Fprintf(os.Stdout, "mock-foundry listening on %s (input=%s upload=%s auth=%v)\n", addr, inputDir, uploadDir, token != "")
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func defaultString(envVar string, fallback string) string {
	v := strings.TrimSpace(os.Getenv(envVar))
	if v == "" {
		return fallback
	}
	return v
}
