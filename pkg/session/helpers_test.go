package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-go-golems/sapcad/pkg/render"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// stubBackend is a websocket peer that records what it receives and lets the
// test push replies.
type stubBackend struct {
	srv *httptest.Server

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []string
	// reply, when set, answers every received message.
	reply func(msg string) []string
}

func newStubBackend(t *testing.T) *stubBackend {
	t.Helper()
	b := &stubBackend{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns = append(b.conns, conn)
		b.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			b.mu.Lock()
			b.received = append(b.received, string(data))
			reply := b.reply
			b.mu.Unlock()
			if reply != nil {
				for _, out := range reply(string(data)) {
					b.mu.Lock()
					err := conn.WriteMessage(websocket.TextMessage, []byte(out))
					b.mu.Unlock()
					if err != nil {
						return
					}
				}
			}
		}
	}))
	t.Cleanup(func() {
		b.closeAll()
		b.srv.Close()
	})
	return b
}

func (b *stubBackend) URL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *stubBackend) Received() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.received...)
}

func (b *stubBackend) ConnCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *stubBackend) Push(msg string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return errors.New("no connection")
	}
	return b.conns[len(b.conns)-1].WriteMessage(websocket.TextMessage, []byte(msg))
}

func (b *stubBackend) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		_ = c.Close()
	}
}

func (b *stubBackend) SetReply(fn func(string) []string) {
	b.mu.Lock()
	b.reply = fn
	b.mu.Unlock()
}

type stubSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (s *stubSender) SendText(payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, payload)
	return nil
}

func (s *stubSender) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type stubRefresher struct {
	mu    sync.Mutex
	calls []string
	err   error
	data  []byte
}

func (r *stubRefresher) Refresh(_ context.Context, filename string) (*render.Resource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, filename)
	if r.err != nil {
		return nil, r.err
	}
	data := r.data
	if data == nil {
		data = []byte("ISO-10303-21;")
	}
	return &render.Resource{Name: filename, Data: data}, nil
}

func (r *stubRefresher) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type stubRenderer struct {
	mu     sync.Mutex
	loaded []string
	fits   int
}

func (r *stubRenderer) Load(_ context.Context, res *render.Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = append(r.loaded, res.Name)
	return nil
}

func (r *stubRenderer) Fit(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fits++
	return nil
}

func (r *stubRenderer) Loaded() ([]string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.loaded...), r.fits
}

type stubUploader struct {
	mc    *ModelContext
	err   error
	calls int
}

func (u *stubUploader) Upload(_ context.Context, _ string) (*ModelContext, error) {
	u.calls++
	if u.err != nil {
		return nil, u.err
	}
	return u.mc.Clone(), nil
}

func roleTexts(turns []Turn) [][2]string {
	out := make([][2]string, 0, len(turns))
	for _, t := range turns {
		out = append(out, [2]string{string(t.Role), t.Text})
	}
	return out
}
