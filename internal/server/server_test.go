package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/Proctor/internal/filelist"
	"github.com/turtacn/Proctor/pkg/consts"
	"github.com/turtacn/Proctor/pkg/events"
	"github.com/turtacn/Proctor/pkg/logger"
	"github.com/turtacn/Proctor/pkg/protocol"
)

type staticFiles struct{ files filelist.Files }

func (s staticFiles) Files() filelist.Files { return s.files }

func mockFile(path, sha string) *filelist.File {
	return &filelist.File{Path: path, OriginalPath: path, SHA: sha, Included: true, Served: true, Content: []byte("content of " + path)}
}

func newTestServer(t *testing.T, root string, files ...*filelist.File) (*Server, *events.Emitter) {
	t.Helper()
	em := events.NewEmitter()
	fl := filelist.Files{}
	for _, f := range files {
		if f.Served {
			fl.Served = append(fl.Served, f)
		}
		if f.Included {
			fl.Included = append(fl.Included, f)
		}
	}
	s := New(Config{
		Files:    staticFiles{fl},
		Emitter:  em,
		BasePath: "/base/path",
		URLRoot:  root,
		Fs:       afero.NewMemMapFs(),
		Log:      logger.Discard(),
	})
	return s, em
}

func get(t *testing.T, h http.Handler, url string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
	return rec
}

func TestContextJSON_Paths(t *testing.T) {
	s, _ := newTestServer(t, "/__proctor__/",
		mockFile("/some/abc/a.css", "sha1"),
		mockFile("/base/path/b.css", "sha2"),
		mockFile("/some/abc/c.html", "sha3"),
		mockFile("/base/path/d.html", "sha4"),
		&filelist.File{Path: "http://some.url.com/whatever", IsURL: true, Included: true},
	)

	rec := get(t, s.Handler(), "/__proctor__/context.json")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Files []string `json:"files"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{
		"/__proctor__/absolute/some/abc/a.css?sha1",
		"/__proctor__/base/b.css?sha2",
		"/__proctor__/absolute/some/abc/c.html?sha3",
		"/__proctor__/base/d.html?sha4",
		"http://some.url.com/whatever",
	}, body.Files)
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
}

func TestHandler_RedirectsRootWithoutSlash(t *testing.T) {
	s, _ := newTestServer(t, "/__proctor__")
	rec := get(t, s.Handler(), "/__proctor__")
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "/__proctor__/", rec.Header().Get("Location"))
}

func TestHandler_NothingOutsideRoot(t *testing.T) {
	s, _ := newTestServer(t, "/__proctor__/")
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/").Code)
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/context.json").Code)
}

func TestClientPage(t *testing.T) {
	s, _ := newTestServer(t, "/")
	rec := get(t, s.Handler(), "/?id=123")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "EventSource")
	assert.Equal(t, "no-cache", rec.Header().Get("Pragma"))

	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/other.html").Code)
}

func TestContextPage_ScriptsAndStyles(t *testing.T) {
	s, _ := newTestServer(t, "/", mockFile("/base/path/a.js", "x1"), mockFile("/base/path/s.css", "x2"))
	rec := get(t, s.Handler(), "/context.html?id=b1")
	body := rec.Body.String()
	assert.Contains(t, body, `<script src="/base/a.js?x1"></script>`)
	assert.Contains(t, body, `<link rel="stylesheet" href="/base/s.css?x2">`)
}

func TestServeFile_CachingHeaders(t *testing.T) {
	f := mockFile("/base/path/a.js", "abc")
	f.ContentType = "application/javascript"
	nc := mockFile("/vendor/lib.js", "def")
	nc.DoNotCache = true
	s, _ := newTestServer(t, "/", f, nc)
	h := s.Handler()

	rec := get(t, h, "/base/a.js?abc")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "content of /base/path/a.js", rec.Body.String())
	assert.Equal(t, "application/javascript", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Cache-Control"), "max-age")
	assert.Equal(t, `"abc"`, rec.Header().Get("ETag"))

	rec = get(t, h, "/base/a.js")
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	rec = get(t, h, "/absolute/vendor/lib.js?def")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
}

func TestServeFile_ReadsUnloadedContentFromFs(t *testing.T) {
	s, _ := newTestServer(t, "/", &filelist.File{Path: "/base/path/raw.txt", OriginalPath: "/base/path/raw.txt", Served: true})
	require.NoError(t, afero.WriteFile(s.fs, "/base/path/raw.txt", []byte("raw"), 0o644))

	rec := get(t, s.Handler(), "/base/raw.txt")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "raw", rec.Body.String())
}

func TestServeFile_UnknownAndUnserved(t *testing.T) {
	hidden := mockFile("/base/path/h.js", "x")
	hidden.Served = false
	s, _ := newTestServer(t, "/", hidden)
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/base/h.js").Code)
	assert.NotEqual(t, http.StatusOK, get(t, s.Handler(), "/base/../../etc/passwd").Code)
}

func TestComplete_EmitsResult(t *testing.T) {
	s, em := newTestServer(t, "/")
	var gotID string
	var got protocol.Result
	em.On(consts.EventBrowserComplete, func(args ...any) {
		gotID = args[0].(string)
		got = args[1].(protocol.Result)
	})

	req := httptest.NewRequest(http.MethodPost, "/complete?id=b1", strings.NewReader(`{"success":3,"failed":1}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "b1", gotID)
	assert.Equal(t, protocol.Result{Success: 3, Failed: 1}, got)
}

func TestComplete_RejectsBadRequests(t *testing.T) {
	s, _ := newTestServer(t, "/")
	h := s.Handler()

	assert.Equal(t, http.StatusMethodNotAllowed, get(t, h, "/complete?id=b1").Code)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/complete", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/complete?id=b1", strings.NewReader(`nope`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvents_RegisterBroadcastDisconnect(t *testing.T) {
	s, em := newTestServer(t, "/")

	var mu sync.Mutex
	var registered, disconnected []string
	em.On(consts.EventBrowserRegister, func(args ...any) {
		mu.Lock()
		registered = append(registered, args[0].(string))
		mu.Unlock()
	})
	em.On(consts.EventBrowserDisconnect, func(args ...any) {
		mu.Lock()
		disconnected = append(disconnected, args[0].(string))
		mu.Unlock()
	})

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?id=b1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewReader(resp.Body)
	assert.Equal(t, "event: registered\n", readLine(t, lines))
	assert.Equal(t, "data: \"b1\"\n", readLine(t, lines))
	readLine(t, lines)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(registered) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"b1"}, s.Clients())

	assert.Equal(t, 1, s.Broadcast("execute", map[string]any{"run": 1}))
	assert.Equal(t, "event: execute\n", readLine(t, lines))
	assert.Equal(t, "data: {\"run\":1}\n", readLine(t, lines))

	cancel()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(disconnected) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, s.Clients())
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		t.Fatalf("read: %v", err)
	}
	return line
}
