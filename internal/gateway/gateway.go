// Package gateway is the WebSocket progress endpoint: one connection per
// subscriber, multiplexing a job's event stream with heartbeats, client
// acks, and reconnection-tolerant replay via the since_seq cursor.
package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/resline/dify-plugin-repackaging/internal/events"
	"github.com/resline/dify-plugin-repackaging/internal/fault"
	"github.com/resline/dify-plugin-repackaging/internal/jobstore"
)

const (
	// writeWait is the maximum time allowed to write a frame to the peer.
	// A stalled client is closed rather than allowed to block the writer.
	writeWait = 10 * time.Second

	// maxMessageSize bounds inbound frames; clients only send small ping
	// and ack messages.
	maxMessageSize = 512
)

// upgrader performs the HTTP → WebSocket protocol upgrade.  Origin checks
// are the reverse proxy's responsibility in deployments that need them.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Gateway serves WS /ws/tasks/{id}.
type Gateway struct {
	bus       *events.Bus
	jobs      *jobstore.Service
	heartbeat time.Duration
	logger    *zap.Logger
}

// New builds a Gateway.
func New(bus *events.Bus, jobs *jobstore.Service, heartbeat time.Duration, logger *zap.Logger) *Gateway {
	return &Gateway{
		bus:       bus,
		jobs:      jobs,
		heartbeat: heartbeat,
		logger:    logger.Named("gateway"),
	}
}

// Handler upgrades the connection and streams the job's events until a
// terminal event, a broken socket, or eviction.  A broken socket never
// affects job execution.
func (g *Gateway) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		if _, err := g.jobs.Get(r.Context(), id); err != nil {
			http.Error(w, fault.Message(err), fault.HTTPStatus(fault.CodeOf(err)))
			return
		}

		var since int64
		if raw := r.URL.Query().Get("since_seq"); raw != "" {
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || v < 0 {
				http.Error(w, "since_seq must be a non-negative integer", http.StatusBadRequest)
				return
			}
			since = v
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			g.logger.Warn("upgrade failed", zap.String("job_id", id), zap.Error(err))
			return
		}

		sub, err := g.bus.Subscribe(r.Context(), id, since)
		if err != nil {
			g.logger.Warn("subscribe failed", zap.String("job_id", id), zap.Error(err))
			conn.Close()
			return
		}

		c := &client{
			gw:     g,
			conn:   conn,
			sub:    sub,
			pongs:  make(chan struct{}, 4),
			logger: g.logger.With(zap.String("job_id", id), zap.String("remote_addr", r.RemoteAddr)),
		}
		c.run()
	}
}
