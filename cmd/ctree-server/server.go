package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/brunokim/causaltree/crdt"
	"github.com/brunokim/causaltree/diff"
	"github.com/brunokim/causaltree/text"
	"github.com/brunokim/causaltree/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxSnapshotSize bounds the body of /restore requests.
const maxSnapshotSize = 32 << 20

// server holds one replica per frontend. Replicas are not goroutine safe, so every request
// is handled under the server lock.
type server struct {
	sync.Mutex

	logger  *slog.Logger
	metrics *metrics
	debug   *debugLog
	codec   *wire.Codec[text.Op]

	docs        map[string]*text.Document
	frontendIDs []string

	numEditRequests int
	numForkRequests int
	numSyncRequests int
}

func newServer(cfg *Config, logger *slog.Logger, reg prometheus.Registerer, debug *debugLog) *server {
	return &server{
		logger:  logger,
		metrics: newMetrics(reg),
		debug:   debug,
		codec: wire.NewCodec[text.Op](text.OpCodec{},
			wire.WithCompression(cfg.Compression()),
			wire.WithTreeOptions(crdt.WithLogger(logger))),
		docs: make(map[string]*text.Document),
	}
}

func index(y string, xs []string) int {
	for i, x := range xs {
		if x == y {
			return i
		}
	}
	return len(xs)
}

// routes returns the server's HTTP handler.
func (s *server) routes(cfg *Config, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	if cfg.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(cfg.StaticDir)))
	}
	if cfg.DebugDir != "" {
		mux.Handle("/debug/", http.StripPrefix("/debug", http.FileServer(http.Dir(cfg.DebugDir))))
	}
	mux.HandleFunc("POST /edit", s.serveEdit)
	mux.HandleFunc("POST /fork", s.serveFork)
	mux.HandleFunc("POST /sync", s.serveSync)
	mux.HandleFunc("POST /view", s.serveView)
	mux.HandleFunc("GET /snapshot", s.serveSnapshot)
	mux.HandleFunc("POST /restore", s.serveRestore)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}

// httpError is an error with the status code to respond with.
type httpError struct {
	code int
	err  error
}

func (e *httpError) Error() string { return e.err.Error() }
func (e *httpError) Unwrap() error { return e.err }

func errorf(code int, format string, args ...any) error {
	return &httpError{code: code, err: fmt.Errorf(format, args...)}
}

// respond writes either the error or the text content, and records the request.
func (s *server) respond(w http.ResponseWriter, endpoint string, content string, err error) {
	s.metrics.observeRequest(endpoint, err)
	if err != nil {
		code := http.StatusInternalServerError
		var herr *httpError
		if errors.As(err, &herr) {
			code = herr.code
		}
		s.logger.Warn("request failed", "endpoint", endpoint, "status", code, "error", err)
		http.Error(w, err.Error(), code)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, content)
}

func decodeBody(req *http.Request, x any) error {
	if err := json.NewDecoder(req.Body).Decode(x); err != nil {
		return errorf(http.StatusBadRequest, "parsing body: %v", err)
	}
	return nil
}

func (s *server) doc(id string) (*text.Document, error) {
	doc, ok := s.docs[id]
	if !ok {
		return nil, errorf(http.StatusNotFound, "unknown frontend ID %q", id)
	}
	return doc, nil
}

func (s *server) addDoc(id string, doc *text.Document) {
	s.docs[id] = doc
	s.frontendIDs = append(s.frontendIDs, id)
	s.observeDoc(id)
}

func (s *server) observeDoc(id string) {
	tree := s.docs[id].Tree()
	s.metrics.atoms.WithLabelValues(id).Set(float64(tree.Len()))
	s.metrics.sites.WithLabelValues(id).Set(float64(tree.Sites().Len()))
}

// +------+
// | Edit |
// +------+

type editRequest struct {
	ID  string          `json:"id"`
	Ops []editOperation `json:"ops"`
}

type editOperation struct {
	Op   string `json:"op"`
	Char string `json:"ch"`
	Dist int    `json:"dist"`
}

func (op editOperation) toDiff() (diff.Operation, error) {
	ch, size := utf8.DecodeRuneInString(op.Char)
	if ch == utf8.RuneError && size <= 1 {
		return diff.Operation{}, fmt.Errorf("invalid char %q in %s", op.Char, op.Op)
	}
	result := diff.Operation{Char: ch, Dist: op.Dist}
	switch op.Op {
	case "keep":
		result.Op = diff.Keep
	case "insert":
		result.Op = diff.Insert
	case "delete":
		result.Op = diff.Delete
	default:
		return diff.Operation{}, fmt.Errorf("unknown op %q", op.Op)
	}
	return result, nil
}

func (s *server) serveEdit(w http.ResponseWriter, req *http.Request) {
	editReq := &editRequest{}
	if err := decodeBody(req, editReq); err != nil {
		s.respond(w, "edit", "", err)
		return
	}
	content, err := s.handleEdit(editReq)
	s.respond(w, "edit", content, err)
}

// handleEdit applies an edit script to a frontend's replica, creating it if it doesn't exist.
func (s *server) handleEdit(req *editRequest) (string, error) {
	s.Lock()
	defer s.Unlock()
	s.debug.write(map[string]any{
		"Type":    "edit",
		"Request": req,
	})
	defer s.debug.sync()
	defer func() { s.numEditRequests++ }()

	if req.ID == "" {
		return "", errorf(http.StatusBadRequest, "missing frontend ID")
	}
	ops := make([]diff.Operation, len(req.Ops))
	for i, op := range req.Ops {
		var err error
		if ops[i], err = op.toDiff(); err != nil {
			return "", &httpError{code: http.StatusBadRequest, err: fmt.Errorf("op #%d: %w", i, err)}
		}
	}
	doc, ok := s.docs[req.ID]
	if !ok {
		var err error
		if doc, err = text.NewDocument(crdt.NewSiteID(), crdt.WithLogger(s.logger)); err != nil {
			return "", err
		}
		s.addDoc(req.ID, doc)
		s.logger.Info("new frontend", "id", req.ID)
	}
	if err := doc.Apply(ops); err != nil {
		if errors.Is(err, text.ErrScriptMismatch) || errors.Is(err, text.ErrCursorOutOfRange) {
			return "", &httpError{code: http.StatusConflict, err: err}
		}
		return "", err
	}
	for _, op := range ops {
		switch op.Op {
		case diff.Insert:
			s.metrics.operations.WithLabelValues("insert").Inc()
		case diff.Delete:
			s.metrics.operations.WithLabelValues("delete").Inc()
		}
	}
	s.observeDoc(req.ID)
	content := doc.String()
	s.logger.Debug("edit", "id", req.ID, "ops", len(ops), "value", content)

	s.debug.write(map[string]any{
		"Type":     "editStep",
		"ReqIdx":   s.numEditRequests,
		"StepIdx":  0,
		"Sites":    s.debugTrees(),
		"LocalIdx": index(req.ID, s.frontendIDs),
	})
	return content, nil
}

// +------+
// | Fork |
// +------+

type forkRequest struct {
	LocalID  string `json:"local"`
	RemoteID string `json:"remote"`
}

func (s *server) serveFork(w http.ResponseWriter, req *http.Request) {
	forkReq := &forkRequest{}
	if err := decodeBody(req, forkReq); err != nil {
		s.respond(w, "fork", "", err)
		return
	}
	content, err := s.handleFork(forkReq)
	s.respond(w, "fork", content, err)
}

// handleFork creates a replica for a new frontend, forked from an existing one.
func (s *server) handleFork(req *forkRequest) (string, error) {
	s.Lock()
	defer s.Unlock()
	s.debug.write(map[string]any{
		"Type":    "fork",
		"Request": req,
	})
	defer s.debug.sync()
	defer func() { s.numForkRequests++ }()

	local, err := s.doc(req.LocalID)
	if err != nil {
		return "", err
	}
	if _, ok := s.docs[req.RemoteID]; ok || req.RemoteID == "" {
		return "", errorf(http.StatusPreconditionFailed, "new remote frontend ID already exists: %q", req.RemoteID)
	}
	remote, err := local.Fork(crdt.NewSiteID())
	if err != nil {
		return "", err
	}
	s.addDoc(req.RemoteID, remote)
	s.observeDoc(req.LocalID)
	s.logger.Info("fork", "local", req.LocalID, "remote", req.RemoteID)

	s.debug.write(map[string]any{
		"Type":      "forkStep",
		"ReqIdx":    s.numForkRequests,
		"StepIdx":   0,
		"Sites":     s.debugTrees(),
		"LocalIdx":  index(req.LocalID, s.frontendIDs),
		"RemoteIdx": index(req.RemoteID, s.frontendIDs),
	})
	return remote.String(), nil
}

// +------+
// | Sync |
// +------+

type syncRequest struct {
	LocalID   string   `json:"id"`
	RemoteIDs []string `json:"mergeIds"`
}

func (s *server) serveSync(w http.ResponseWriter, req *http.Request) {
	syncReq := &syncRequest{}
	if err := decodeBody(req, syncReq); err != nil {
		s.respond(w, "sync", "", err)
		return
	}
	content, err := s.handleSync(syncReq)
	s.respond(w, "sync", content, err)
}

// handleSync merges the replicas of other frontends into a local one.
func (s *server) handleSync(req *syncRequest) (string, error) {
	s.Lock()
	defer s.Unlock()
	s.debug.write(map[string]any{
		"Type":    "sync",
		"Request": req,
	})
	defer s.debug.sync()
	defer func() { s.numSyncRequests++ }()

	local, err := s.doc(req.LocalID)
	if err != nil {
		return "", err
	}
	for i, remoteID := range req.RemoteIDs {
		remote, ok := s.docs[remoteID]
		if !ok {
			return "", errorf(http.StatusNotFound, "unknown remote frontend ID: %q", remoteID)
		}
		start := time.Now()
		if err := local.Merge(remote); err != nil {
			return "", fmt.Errorf("merging %q: %w", remoteID, err)
		}
		s.metrics.mergeDuration.Observe(time.Since(start).Seconds())
		s.logger.Debug("merge", "local", req.LocalID, "remote", remoteID)

		s.debug.write(map[string]any{
			"Type":      "syncStep",
			"ReqIdx":    s.numSyncRequests,
			"StepIdx":   i,
			"Sites":     s.debugTrees(),
			"LocalIdx":  index(req.LocalID, s.frontendIDs),
			"RemoteIdx": index(remoteID, s.frontendIDs),
		})
	}
	s.observeDoc(req.LocalID)
	return local.String(), nil
}

// +------+
// | View |
// +------+

type viewRequest struct {
	ID   string    `json:"id"`
	Weft crdt.Weft `json:"weft"`
}

func (s *server) serveView(w http.ResponseWriter, req *http.Request) {
	viewReq := &viewRequest{}
	if err := decodeBody(req, viewReq); err != nil {
		s.respond(w, "view", "", err)
		return
	}
	content, err := s.handleView(viewReq)
	s.respond(w, "view", content, err)
}

// handleView returns the content of a frontend's replica as of a weft, or the current one if
// none is given.
func (s *server) handleView(req *viewRequest) (string, error) {
	s.Lock()
	defer s.Unlock()
	doc, err := s.doc(req.ID)
	if err != nil {
		return "", err
	}
	content, err := doc.StringAt(req.Weft)
	if err != nil {
		return "", &httpError{code: http.StatusBadRequest, err: err}
	}
	return content, nil
}

// +----------+
// | Snapshot |
// +----------+

func (s *server) serveSnapshot(w http.ResponseWriter, req *http.Request) {
	id := req.URL.Query().Get("id")
	data, hash, err := s.handleSnapshot(id)
	if err != nil {
		s.respond(w, "snapshot", "", err)
		return
	}
	s.metrics.observeRequest("snapshot", nil)
	s.metrics.snapshotBytes.Observe(float64(len(data)))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Fingerprint", hash.String())
	w.Write(data)
}

// handleSnapshot encodes a frontend's replica, returning also its fingerprint.
func (s *server) handleSnapshot(id string) ([]byte, wire.Hash, error) {
	s.Lock()
	defer s.Unlock()
	doc, err := s.doc(id)
	if err != nil {
		return nil, wire.Hash{}, err
	}
	data, err := s.codec.Encode(doc.Tree())
	if err != nil {
		return nil, wire.Hash{}, err
	}
	return data, wire.Fingerprint(doc.Tree()), nil
}

func (s *server) serveRestore(w http.ResponseWriter, req *http.Request) {
	id := req.URL.Query().Get("id")
	data, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxSnapshotSize))
	if err != nil {
		s.respond(w, "restore", "", &httpError{code: http.StatusRequestEntityTooLarge, err: err})
		return
	}
	content, err := s.handleRestore(id, data)
	s.respond(w, "restore", content, err)
}

// handleRestore creates a replica for a new frontend from a snapshot. The replica is owned by a
// new site, so it can be edited concurrently with the replica the snapshot was taken from.
func (s *server) handleRestore(id string, data []byte) (string, error) {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.docs[id]; ok || id == "" {
		return "", errorf(http.StatusPreconditionFailed, "new frontend ID already exists: %q", id)
	}
	tree, err := s.codec.Decode(data)
	if err != nil {
		return "", &httpError{code: http.StatusBadRequest, err: err}
	}
	if err := tree.ChangeOwner(crdt.NewSiteID()); err != nil {
		return "", err
	}
	doc := text.FromTree(tree)
	s.addDoc(id, doc)
	s.logger.Info("restore", "id", id, "atoms", tree.Len(), "fingerprint", wire.Fingerprint(tree))
	return doc.String(), nil
}

// +-------+
// | Debug |
// +-------+

func (s *server) debugTrees() []*crdt.CausalTree[text.Op] {
	if !s.debug.enabled() {
		return nil
	}
	trees := make([]*crdt.CausalTree[text.Op], len(s.frontendIDs))
	for i, id := range s.frontendIDs {
		trees[i] = s.docs[id].Tree()
	}
	return trees
}
