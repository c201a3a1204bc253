// Package mockfoundry serves the dataset API surface used by pipeline mode so
// local runs and tests can exercise reads, uploads and commits end to end.
package mockfoundry

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Call records a request made to the mock service.
type Call struct {
	Method string
	Path   string
}

// Upload records a file upload into a dataset transaction.
type Upload struct {
	DatasetRID string
	TxnRID     string
	FilePath   string
	Bytes      []byte
}

// Server is an in-memory dataset service. Input datasets are read from
// <inputDir>/<rid>.csv; committed outputs are mirrored under uploadDir.
type Server struct {
	inputDir  string
	uploadDir string

	mu                    sync.Mutex
	calls                 []Call
	uploads               []Upload
	expectedAuthorization string

	nextTxn int
	// txns per dataset, oldest first.
	txns  map[string][]*txnState
	heads map[string]head
}

type txnState struct {
	rid       string
	branch    string
	created   time.Time
	committed bool
	files     map[string][]byte
}

type head struct {
	txnRID string
	data   []byte
}

func New(inputDir, uploadDir string) *Server {
	return &Server{
		inputDir:  inputDir,
		uploadDir: uploadDir,
		nextTxn:   1,
		txns:      make(map[string][]*txnState),
		heads:     make(map[string]head),
	}
}

// RequireBearerToken enforces an Authorization header matching token. An empty
// token disables the check.
func (s *Server) RequireBearerToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token = strings.TrimSpace(token); token == "" {
		s.expectedAuthorization = ""
		return
	}
	s.expectedAuthorization = "Bearer " + token
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v2/datasets/{rid}/branches/{branch}", s.handleGetBranch)
	mux.HandleFunc("GET /api/v2/datasets/{rid}/readTable", s.handleReadTable)
	mux.HandleFunc("POST /api/v2/datasets/{rid}/transactions", s.handleCreateTransaction)
	mux.HandleFunc("GET /api/v2/datasets/{rid}/transactions", s.handleListTransactions)
	mux.HandleFunc("POST /api/v2/datasets/{rid}/transactions/{txn}/commit", s.handleCommit)
	mux.HandleFunc("POST /api/v2/datasets/{rid}/files/{rest...}", s.handleUpload)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path})
		expected := s.expectedAuthorization
		s.mu.Unlock()

		if expected != "" && r.Header.Get("Authorization") != expected {
			writeConjureError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Default:Unauthorized")
			return
		}
		mux.ServeHTTP(w, r)
	})
}

// Calls returns a snapshot of calls made to the server.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Uploads returns a snapshot of uploads made to the server.
func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

func (s *Server) handleGetBranch(w http.ResponseWriter, r *http.Request) {
	rid := r.PathValue("rid")
	s.mu.Lock()
	h := s.heads[rid]
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{
		"name":           r.PathValue("branch"),
		"transactionRid": h.txnRID,
	})
}

func (s *Server) handleReadTable(w http.ResponseWriter, r *http.Request) {
	rid := r.PathValue("rid")
	if !isSafeToken(rid) {
		writeConjureError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Conjure:InvalidArgument")
		return
	}

	s.mu.Lock()
	h, ok := s.heads[rid]
	s.mu.Unlock()
	if ok {
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write(h.data)
		return
	}

	// A restarted server reloads the last committed head from disk.
	if b, err := os.ReadFile(s.committedTablePath(rid)); err == nil {
		s.mu.Lock()
		s.heads[rid] = head{data: b}
		s.mu.Unlock()
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write(b)
		return
	}

	b, err := os.ReadFile(filepath.Join(s.inputDir, rid+".csv"))
	if err != nil {
		writeConjureError(w, http.StatusNotFound, "NOT_FOUND", "Datasets:DatasetNotFound")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	_, _ = w.Write(b)
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	rid := r.PathValue("rid")
	if !isSafeToken(rid) {
		writeConjureError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Conjure:InvalidArgument")
		return
	}
	_, _ = io.Copy(io.Discard, r.Body)

	s.mu.Lock()
	for _, t := range s.txns[rid] {
		if !t.committed {
			s.mu.Unlock()
			writeConjureError(w, http.StatusConflict, "CONFLICT", "OpenTransactionAlreadyExists")
			return
		}
	}
	txn := &txnState{
		rid:     fmt.Sprintf("ri.foundry.main.transaction.%06d", s.nextTxn),
		branch:  r.URL.Query().Get("branchName"),
		created: time.Now().UTC(),
		files:   make(map[string][]byte),
	}
	s.nextTxn++
	s.txns[rid] = append(s.txns[rid], txn)
	resp := txn.view()
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

type transactionView struct {
	RID             string `json:"rid"`
	TransactionType string `json:"transactionType"`
	Status          string `json:"status"`
	CreatedTime     string `json:"createdTime"`
}

func (t *txnState) view() transactionView {
	status := "OPEN"
	if t.committed {
		status = "COMMITTED"
	}
	return transactionView{
		RID:             t.rid,
		TransactionType: "SNAPSHOT",
		Status:          status,
		CreatedTime:     t.created.Format(time.RFC3339),
	}
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("preview") != "true" {
		writeConjureError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Conjure:InvalidArgument")
		return
	}
	rid := r.PathValue("rid")

	s.mu.Lock()
	txns := s.txns[rid]
	data := make([]transactionView, 0, len(txns))
	for i := len(txns) - 1; i >= 0; i-- {
		data = append(data, txns[i].view())
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	rid := r.PathValue("rid")
	filePath, ok := strings.CutSuffix(r.PathValue("rest"), "/upload")
	if !ok || !isSafeFilePath(filePath) {
		writeConjureError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Conjure:InvalidArgument")
		return
	}
	b, err := io.ReadAll(r.Body)
	if err != nil {
		writeConjureError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Conjure:InvalidArgument")
		return
	}

	txnRID := r.URL.Query().Get("transactionRid")
	s.mu.Lock()
	defer s.mu.Unlock()
	txn := s.findTxn(rid, txnRID)
	if txn == nil {
		writeConjureError(w, http.StatusNotFound, "NOT_FOUND", "TransactionNotFound")
		return
	}
	if txn.committed {
		writeConjureError(w, http.StatusConflict, "CONFLICT", "TransactionNotOpen")
		return
	}
	txn.files[filePath] = b
	s.uploads = append(s.uploads, Upload{DatasetRID: rid, TxnRID: txn.rid, FilePath: filePath, Bytes: b})

	writeJSON(w, http.StatusOK, map[string]string{"path": filePath, "transactionRid": txn.rid})
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	rid := r.PathValue("rid")

	s.mu.Lock()
	txn := s.findTxn(rid, r.PathValue("txn"))
	switch {
	case txn == nil:
		s.mu.Unlock()
		writeConjureError(w, http.StatusNotFound, "NOT_FOUND", "TransactionNotFound")
		return
	case txn.committed:
		s.mu.Unlock()
		writeConjureError(w, http.StatusConflict, "CONFLICT", "TransactionNotOpen")
		return
	case len(txn.files) != 1:
		// The mock table view is a single CSV file.
		s.mu.Unlock()
		writeConjureError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Conjure:InvalidArgument")
		return
	}
	var data []byte
	for _, b := range txn.files {
		data = append([]byte(nil), b...)
	}
	txn.committed = true
	s.heads[rid] = head{txnRID: txn.rid, data: data}
	resp := txn.view()
	s.mu.Unlock()

	if s.uploadDir != "" {
		p := s.committedTablePath(rid)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err == nil {
			_ = os.WriteFile(p, data, 0o644)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// findTxn must be called with s.mu held.
func (s *Server) findTxn(rid, txnRID string) *txnState {
	for _, t := range s.txns[rid] {
		if t.rid == txnRID {
			return t
		}
	}
	return nil
}

func (s *Server) committedTablePath(rid string) string {
	return filepath.Join(s.uploadDir, rid, "_committed", "readTable.csv")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeConjureError(w http.ResponseWriter, status int, code, name string) {
	writeJSON(w, status, map[string]string{
		"errorCode":       code,
		"errorName":       name,
		"errorInstanceId": fmt.Sprintf("mock-%d", time.Now().UnixNano()),
	})
}

func isSafeToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, "/\\") && s != "." && s != ".."
}

func isSafeFilePath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}
	for _, part := range strings.Split(p, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}
