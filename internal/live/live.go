// Package live streams run events to websocket clients. Events are published
// on a Redis channel per run so any API replica can serve the stream.
package live

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/docpipe/internal/domain"
)

func Channel(runID string) string { return "run-events:" + runID }

// Publisher forwards pipeline events to the run's channel.
type Publisher struct {
	rdb redis.UniversalClient
}

func NewPublisher(rdb redis.UniversalClient) *Publisher { return &Publisher{rdb: rdb} }

func (p *Publisher) Publish(ctx context.Context, e domain.Event) error {
	runID := RunID(e)
	if runID == "" {
		return nil
	}
	body, err := e.MarshalEnvelope()
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, Channel(runID), body).Err()
}

// RunID returns the run an event belongs to, or "" for document-level events.
func RunID(e domain.Event) string {
	switch d := e.Data.(type) {
	case domain.EnhancementStarted:
		return d.RunID
	case domain.EnhancementProgress:
		return d.RunID
	case domain.EnhancementCompleted:
		return d.RunID
	case domain.EnhancementFailed:
		return d.RunID
	case domain.DocumentAnalyzed:
		return d.RunID
	case domain.ExportCompleted:
		return d.RunID
	}
	return ""
}

type RunReader interface {
	GetRunStatus(ctx context.Context, runID string) (*domain.EnhancementRun, error)
}

// Snapshot is the first frame of every stream.
type Snapshot struct {
	Event string                 `json:"event"`
	Run   *domain.EnhancementRun `json:"run"`
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

type Streamer struct {
	rdb      redis.UniversalClient
	runs     RunReader
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func NewStreamer(rdb redis.UniversalClient, runs RunReader, log *zap.Logger) *Streamer {
	return &Streamer{
		rdb:  rdb,
		runs: runs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// Serve upgrades the request and streams events of runID until the run
// finishes or the client goes away. The caller has already authorized access
// to the run.
func (s *Streamer) Serve(w http.ResponseWriter, r *http.Request, runID string) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before reading the snapshot so no transition falls between.
	sub := s.rdb.Subscribe(ctx, Channel(runID))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		http.Error(w, "live updates unavailable", http.StatusServiceUnavailable)
		return
	}
	run, err := s.runs.GetRunStatus(ctx, runID)
	if err != nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	log := s.log.With(zap.String("run_id", runID))

	// Reads only detect the client closing.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := s.write(conn, Snapshot{Event: "snapshot", Run: run}); err != nil || run.CurrentStage.Terminal() {
		return
	}

	msgs := sub.Channel()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case m, ok := <-msgs:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m.Payload)); err != nil {
				log.Debug("websocket write failed", zap.Error(err))
				return
			}
			if finished(m.Payload) {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"), time.Now().Add(writeWait))
				return
			}
		}
	}
}

func (s *Streamer) write(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

func finished(payload string) bool {
	var env struct {
		Event domain.EventType `json:"event"`
	}
	if json.Unmarshal([]byte(payload), &env) != nil {
		return false
	}
	return env.Event == domain.EventEnhancementCompleted || env.Event == domain.EventEnhancementFailed
}
