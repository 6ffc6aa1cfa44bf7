package server

import (
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// pollInterval paces follow-mode reads of a live run log.
const pollInterval = 500 * time.Millisecond

// StreamLog upgrades to WebSocket and tails the identity's newest run log.
// A finished (archived) log is sent in one burst followed by an eof frame;
// a live log is followed until the run archives it or the client leaves.
func (h *Handlers) StreamLog(c *gin.Context) {
	ident, ok := h.identityParam(c)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Reading drains control frames and detects the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	path, err := h.logs.LatestPath(ident)
	if err != nil {
		h.sendEvent(conn, "error", "no log captured")
		return
	}

	if strings.HasSuffix(path, ".gz") {
		content, err := h.logs.Latest(ident)
		if err != nil {
			h.sendEvent(conn, "error", err.Error())
			return
		}
		if conn.WriteMessage(websocket.TextMessage, []byte(content)) != nil {
			return
		}
		h.sendEvent(conn, "eof", "")
		return
	}

	h.follow(conn, path, done)
}

// follow streams a growing run log until it is archived out from under us
// or the client disconnects.
func (h *Handlers) follow(conn *websocket.Conn, path string, done <-chan struct{}) {
	f, err := os.Open(path)
	if err != nil {
		h.sendEvent(conn, "error", "log no longer available")
		return
	}
	defer f.Close()

	buf := make([]byte, 32*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if conn.WriteMessage(websocket.TextMessage, buf[:n]) != nil {
				return
			}
			continue
		}
		if err != nil && err != io.EOF {
			h.sendEvent(conn, "error", err.Error())
			return
		}

		// At EOF: the runner removing the file means the run finished and
		// the log was archived.
		if _, err := os.Stat(path); err != nil {
			h.sendEvent(conn, "eof", "")
			return
		}
		select {
		case <-done:
			return
		case <-time.After(pollInterval):
		}
	}
}

func (h *Handlers) sendEvent(conn *websocket.Conn, kind, message string) {
	event := map[string]string{"type": kind}
	if message != "" {
		event["message"] = message
	}
	if err := conn.WriteJSON(event); err != nil {
		h.logger.Debug("websocket write failed", zap.Error(err))
	}
}
