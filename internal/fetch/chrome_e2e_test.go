//go:build chrome_e2e

package fetch_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/palantir/palantir-compute-module-owner-search/internal/fetch"
)

// Requires a local Chrome or Chromium binary.
func TestChrome_RendersScriptedContent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body><div id="out"></div>
<script>document.getElementById("out").innerHTML = '<a class="text-blue-medium" href="/p/1">One</a>';</script>
</body></html>`)
	}))
	defer ts.Close()

	c := fetch.NewChrome(fetch.ChromeOptions{Headless: true, PageTimeout: 30 * time.Second})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	page, err := c.Fetch(ctx, ts.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	doc, err := page.Document()
	if err != nil {
		t.Fatalf("Document: %v", err)
	}
	if got := doc.Find("a.text-blue-medium").Length(); got != 1 {
		t.Fatalf("expected the scripted link to be rendered, found %d\n%s", got, page.HTML)
	}
}
