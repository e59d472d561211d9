package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gobwas/ws"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/progress"
)

const wsWriteTimeout = 10 * time.Second

// streamProgress upgrades to a WebSocket and pushes one message per update:
// the current snapshot first, then {"type":"progress"} per page and a final
// {"type":"complete"} before a normal close. A text "ping" gets a pong.
func (s *Server) streamProgress(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	updates, unsubscribe, err := s.jobs.Subscribe(jobID)
	if err != nil {
		if !errors.Is(err, crawler.ErrNotFound) {
			s.lookupFailed(w, err)
			return
		}
		// Not held in memory: replay the stored state once.
		snap, serr := s.jobs.Snapshot(r.Context(), jobID)
		if serr != nil {
			s.lookupFailed(w, serr)
			return
		}
		updates, unsubscribe = replay(snap), func() {}
	}
	defer unsubscribe()

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	sc := &socket{conn: conn}
	clientGone := make(chan struct{})
	go sc.readLoop(clientGone)

	for {
		select {
		case u, ok := <-updates:
			if !ok {
				_ = sc.close(ws.StatusNormalClosure, "")
				return
			}
			data, err := json.Marshal(u)
			if err != nil {
				s.logger.Error("encode progress update", zap.Error(err))
				continue
			}
			if err := sc.write(ws.OpText, data); err != nil {
				s.logger.Debug("websocket write failed", zap.String("job_id", jobID), zap.Error(err))
				return
			}
		case <-clientGone:
			_ = sc.close(ws.StatusNormalClosure, "")
			return
		case <-r.Context().Done():
			_ = sc.close(ws.StatusGoingAway, "")
			return
		}
	}
}

func replay(snap progress.Snapshot) <-chan progress.Update {
	typ := progress.UpdateProgress
	if snap.Status.Terminal() {
		typ = progress.UpdateComplete
	}
	ch := make(chan progress.Update, 1)
	ch <- progress.Update{Type: typ, Snapshot: snap}
	if typ == progress.UpdateComplete {
		close(ch)
	}
	return ch
}

// socket serializes frame writes; the read loop and the update loop both
// write.
type socket struct {
	conn net.Conn
	mu   sync.Mutex
}

func (s *socket) write(op ws.OpCode, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return ws.WriteFrame(s.conn, ws.NewFrame(op, true, payload))
}

func (s *socket) close(code ws.StatusCode, reason string) error {
	return s.write(ws.OpClose, ws.NewCloseFrameBody(code, reason))
}

func (s *socket) readLoop(done chan<- struct{}) {
	defer close(done)
	for {
		frame, err := ws.ReadFrame(s.conn)
		if err != nil {
			return
		}
		if frame.Header.Masked {
			ws.Cipher(frame.Payload, frame.Header.Mask, 0)
		}
		switch frame.Header.OpCode {
		case ws.OpClose:
			return
		case ws.OpPing:
			if err := s.write(ws.OpPong, frame.Payload); err != nil {
				return
			}
		case ws.OpText:
			if isPing(frame.Payload) {
				if err := s.write(ws.OpText, []byte(`{"type":"pong"}`)); err != nil {
					return
				}
			}
		}
	}
}

func isPing(payload []byte) bool {
	text := strings.TrimSpace(string(payload))
	if text == "ping" {
		return true
	}
	var msg struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(payload, &msg) == nil && msg.Type == "ping"
}
