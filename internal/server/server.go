// Package server is the HTTP surface captured browsers talk to: the client
// page, the event stream that drives execution, the test context and the
// served files, and the result endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/turtacn/Proctor/internal/filelist"
	"github.com/turtacn/Proctor/pkg/consts"
	"github.com/turtacn/Proctor/pkg/events"
	"github.com/turtacn/Proctor/pkg/logger"
	"github.com/turtacn/Proctor/pkg/protocol"
)

// FileSource hands out the current file snapshot. *filelist.List
// satisfies it.
type FileSource interface {
	Files() filelist.Files
}

type Config struct {
	Files    FileSource
	Emitter  *events.Emitter
	BasePath string
	URLRoot  string
	// Fs reads files whose content was not loaded by preprocessing.
	Fs  afero.Fs
	Log logger.Logger
}

type Server struct {
	files   FileSource
	emitter *events.Emitter
	base    string
	root    string
	fs      afero.Fs
	log     logger.Logger

	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	id   string
	send chan message
	gone chan struct{}
}

type message struct {
	event string
	data  []byte
}

func New(cfg Config) *Server {
	if cfg.Emitter == nil {
		cfg.Emitter = events.NewEmitter()
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Log == nil {
		cfg.Log = logger.Log
	}
	return &Server{
		files:   cfg.Files,
		emitter: cfg.Emitter,
		base:    filepath.ToSlash(filepath.Clean(cfg.BasePath)),
		root:    normalizeRoot(cfg.URLRoot),
		fs:      cfg.Fs,
		log:     cfg.Log.With("component", "server"),
		clients: make(map[string]*client),
	}
}

func normalizeRoot(r string) string {
	r = "/" + strings.Trim(r, "/") + "/"
	if r == "//" {
		return "/"
	}
	return r
}

// Handler returns the routes mounted under the URL root.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleClient)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/context.html", s.handleContext)
	mux.HandleFunc("/context.json", s.handleContextJSON)
	mux.HandleFunc("/complete", s.handleComplete)
	mux.HandleFunc("/base/", s.handleFile)
	mux.HandleFunc("/absolute/", s.handleFile)

	inner := http.Handler(mux)
	if s.root != "/" {
		inner = http.StripPrefix(strings.TrimSuffix(s.root, "/"), mux)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.root != "/" && r.URL.Path == strings.TrimSuffix(s.root, "/") {
			http.Redirect(w, r, s.root, http.StatusMovedPermanently)
			return
		}
		if !strings.HasPrefix(r.URL.Path, s.root) {
			http.NotFound(w, r)
			return
		}
		inner.ServeHTTP(w, r)
	})
}

// Serve runs an HTTP server on l until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.closeClients()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("Capture server listening", "addr", l.Addr().String(), "url_root", s.root)
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	noCache(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := clientPage.Execute(w, struct{ Root string }{s.root}); err != nil {
		s.log.Warn("Cannot render client page", "error", err)
	}
}

// handleEvents is the server-sent event stream of one browser. Opening it
// registers the browser; commands such as execute are pushed down it.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		id = uuid.New().String()
	}

	c := s.register(id)
	defer s.unregister(c)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(w, "event: %s\ndata: %q\n\n", "registered", id)
	flusher.Flush()

	s.emitter.Emit(consts.EventBrowserRegister, id)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-c.gone:
			return
		case m := <-c.send:
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", m.event, m.data)
			flusher.Flush()
		}
	}
}

func (s *Server) register(id string) *client {
	c := &client{id: id, send: make(chan message, 8), gone: make(chan struct{})}
	s.mu.Lock()
	if old, ok := s.clients[id]; ok {
		close(old.gone)
	}
	s.clients[id] = c
	s.mu.Unlock()
	s.log.Info("Browser connected", "id", id)
	return c
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	current := s.clients[c.id] == c
	if current {
		delete(s.clients, c.id)
	}
	s.mu.Unlock()
	if current {
		s.log.Info("Browser disconnected", "id", c.id)
		s.emitter.Emit(consts.EventBrowserDisconnect, c.id)
	}
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.clients {
		close(c.gone)
		delete(s.clients, id)
	}
}

// Clients returns the ids of the connected browsers.
func (s *Server) Clients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.clients))
	for id := range s.clients {
		out = append(out, id)
	}
	return out
}

// Broadcast pushes an event to every connected browser and returns how
// many received it. A browser whose queue is full is skipped.
func (s *Server) Broadcast(event string, payload any) int {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("Cannot encode broadcast", "event", event, "error", err)
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.clients {
		select {
		case c.send <- message{event: event, data: data}:
			n++
		default:
			s.log.Warn("Browser queue full, dropping event", "id", c.id, "event", event)
		}
	}
	return n
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	var res protocol.Result
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&res); err != nil {
		http.Error(w, "bad result: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.log.Debug("Browser complete", "id", id, "success", res.Success, "failed", res.Failed, "error", res.Error)
	s.emitter.Emit(consts.EventBrowserComplete, id, res)
	w.WriteHeader(http.StatusNoContent)
}

// URL returns the address a browser loads f from, with the fingerprint as
// cache-busting query.
func (s *Server) URL(f *filelist.File) string {
	if f.IsURL {
		return f.Path
	}
	var u string
	if rel, ok := s.relative(f.Path); ok {
		u = s.root + "base/" + rel
	} else {
		u = s.root + "absolute" + f.Path
	}
	if f.SHA != "" {
		u += "?" + f.SHA
	}
	return u
}

func (s *Server) relative(p string) (string, bool) {
	prefix := strings.TrimSuffix(s.base, "/") + "/"
	if strings.HasPrefix(p, prefix) {
		return strings.TrimPrefix(p, prefix), true
	}
	return "", false
}

func (s *Server) includedURLs() []string {
	files := s.files.Files()
	out := make([]string, 0, len(files.Included))
	for _, f := range files.Included {
		out = append(out, s.URL(f))
	}
	return out
}

func (s *Server) handleContextJSON(w http.ResponseWriter, r *http.Request) {
	noCache(w)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Files []string `json:"files"`
	}{s.includedURLs()})
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	noCache(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	var scripts, styles []string
	for _, u := range s.includedURLs() {
		if strings.HasSuffix(strings.SplitN(u, "?", 2)[0], ".css") {
			styles = append(styles, u)
		} else {
			scripts = append(scripts, u)
		}
	}
	data := struct {
		Root    string
		ID      string
		Scripts []string
		Styles  []string
	}{s.root, r.URL.Query().Get("id"), scripts, styles}
	if err := contextPage.Execute(w, data); err != nil {
		s.log.Warn("Cannot render context page", "error", err)
	}
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	var target string
	switch {
	case strings.HasPrefix(r.URL.Path, "/base/"):
		target = path.Join(s.base, strings.TrimPrefix(r.URL.Path, "/base/"))
	default:
		target = path.Clean(strings.TrimPrefix(r.URL.Path, "/absolute"))
	}

	f := s.lookup(target)
	if f == nil {
		http.NotFound(w, r)
		return
	}

	content := f.Content
	if content == nil {
		data, err := afero.ReadFile(s.fs, filepath.FromSlash(f.OriginalPath))
		if err != nil {
			s.log.Warn("Cannot read served file", "path", f.OriginalPath, "error", err)
			http.NotFound(w, r)
			return
		}
		content = data
	}

	ct := f.ContentType
	if ct == "" {
		ct = http.DetectContentType(content)
	}
	w.Header().Set("Content-Type", ct)
	if f.DoNotCache || r.URL.RawQuery == "" {
		noCache(w)
	} else {
		w.Header().Set("Cache-Control", "public, max-age=31536000")
	}
	if f.SHA != "" {
		w.Header().Set("ETag", `"`+f.SHA+`"`)
	}
	if r.Method == http.MethodHead {
		return
	}
	w.Write(content)
}

func (s *Server) lookup(p string) *filelist.File {
	for _, f := range s.files.Files().Served {
		if f.Path == p {
			return f
		}
	}
	return nil
}

func noCache(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Cache-Control", "no-cache")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", time.Unix(0, 0).UTC().Format(http.TimeFormat))
}

// Personal.AI order the ending
