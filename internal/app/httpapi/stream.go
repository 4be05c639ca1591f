package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/vrf_direct_funding/internal/events"
	svcerrors "github.com/R3E-Network/vrf_direct_funding/internal/errors"
)

const (
	streamBuffer     = 256
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin policy is enforced by the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// stream pushes events over a websocket. With ?since=N the retained backlog
// after N is replayed first. Slow clients are disconnected.
func (h *handler) stream(w http.ResponseWriter, r *http.Request) {
	var since uint64
	replay := false
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, svcerrors.InvalidInput("since must be an unsigned integer", err))
			return
		}
		since, replay = v, true
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ch := make(chan events.Event, streamBuffer)
	overflow := make(chan struct{})
	var overflowed bool
	cancel := h.events.Subscribe(func(ev events.Event) {
		if overflowed {
			return
		}
		select {
		case ch <- ev:
		default:
			overflowed = true
			close(overflow)
		}
	})
	defer cancel()

	var last uint64
	if replay {
		for _, ev := range h.events.Since(since) {
			if err := writeEvent(conn, ev); err != nil {
				return
			}
			last = ev.Seq
		}
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev := <-ch:
			if ev.Seq <= last {
				continue
			}
			if err := writeEvent(conn, ev); err != nil {
				return
			}
			last = ev.Seq
		case <-overflow:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "event stream overflow"),
				time.Now().Add(streamWriteWait))
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev events.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(ev)
}
