package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/events"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/session"
)

const (
	// maxFrameBytes bounds a single websocket message. One second of 16 kHz
	// PCM16 is 32 KiB; 1 MiB leaves room for producers that batch, without
	// letting one frame balloon server memory.
	maxFrameBytes = 1 << 20

	// writeTimeout bounds a single outbound event write.
	writeTimeout = 10 * time.Second
)

// ---- Wire messages (outgoing) ------------------------------------------------

type sessionStartedMsg struct {
	Type              string `json:"type"` // "session_started"
	SessionID         string `json:"session_id"`
	RecoveredSegments int    `json:"recovered_segments"`
}

type interimMsg struct {
	Type      string    `json:"type"` // "interim"
	Text      string    `json:"text"`
	UpdatedAt time.Time `json:"updated_at"`
}

type chunkFinalizedMsg struct {
	Type          string    `json:"type"` // "chunk_finalized"
	SequenceIndex uint64    `json:"sequence_index"`
	Trigger       string    `json:"trigger"`
	SpeechMs      int64     `json:"speech_ms"`
	TotalMs       int64     `json:"total_ms"`
	FinalizedAt   time.Time `json:"finalized_at"`
}

type segmentStatusMsg struct {
	Type          string `json:"type"` // "segment_status"
	SequenceIndex uint64 `json:"sequence_index"`
	Status        string `json:"status"`
	Text          string `json:"text,omitempty"`
	FailReason    string `json:"fail_reason,omitempty"`
}

type sessionStoppedMsg struct {
	Type              string `json:"type"` // "session_stopped"
	SessionID         string `json:"session_id"`
	BytesIngested     uint64 `json:"bytes_ingested"`
	ChunksEmitted     uint64 `json:"chunks_emitted"`
	SegmentsCompleted uint64 `json:"segments_completed"`
	SegmentsFailed    uint64 `json:"segments_failed"`
}

// ---- Wire messages (incoming) ------------------------------------------------

type controlMessage struct {
	Type string `json:"type"`
}

// ---- Handler -----------------------------------------------------------------

// handleStream upgrades to a websocket and runs one capture session over it.
// The session is claimed before the upgrade so a second client gets a clean
// 409 instead of a half-open socket.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.StartSession(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	// Recovery publishes segment statuses as soon as replayed jobs run, so
	// subscribe before it to land them in the buffers instead of the floor.
	bus := s.deps.Bus
	sc := &streamConn{
		srv:         s,
		sess:        sess,
		interimCh:   bus.SubscribeInterim(),
		finalizedCh: bus.SubscribeChunkFinalized(),
		statusCh:    bus.SubscribeSegmentStatus(),
		stopAck:     make(chan session.Stats, 1),
	}

	// Orphans from a prior crash replay ahead of live audio.
	recovered, err := sess.RecoverPendingSegments(r.Context())
	if err != nil {
		s.log.Warn("segment recovery failed, orphans stay in the log",
			"sessionId", sess.ID(), "error", err)
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Error("websocket accept failed", "sessionId", sess.ID(), "error", err)
		sc.unsubscribe()
		s.stopSession(r.Context())
		return
	}
	conn.SetReadLimit(maxFrameBytes)
	sc.conn = conn
	sc.run(r.Context(), recovered)
}

// stopSession winds the active session down under the configured drain timeout.
func (s *Server) stopSession(ctx context.Context) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StopTimeout)
	defer cancel()
	if err := s.deps.Sessions.StopSession(stopCtx); err != nil {
		s.log.Warn("session stop reported errors", "error", err)
	}
}

// streamConn is one websocket capture stream: a read loop feeding the session
// and an event pump owning every write on the connection.
type streamConn struct {
	srv  *Server
	conn *websocket.Conn
	sess *session.Session

	interimCh   chan events.InterimText
	finalizedCh chan events.ChunkFinalized
	statusCh    chan events.SegmentStatus

	// stopAck carries the post-drain stats from the read loop to the pump
	// after a stop control message.
	stopAck       chan session.Stats
	stopRequested atomic.Bool
}

func (c *streamConn) run(ctx context.Context, recovered int) {
	defer c.conn.CloseNow()

	c.srv.metrics.ActiveSessions.Add(ctx, 1)
	defer c.srv.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	defer c.unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.pump(gctx, recovered) })
	err := g.Wait()

	if c.stopRequested.Load() {
		c.conn.Close(websocket.StatusNormalClosure, "session complete")
		return
	}

	// Disconnect without a stop control: wind the pipeline down anyway so
	// already-buffered audio still reaches the segment log.
	c.srv.log.Info("stream ended without stop control",
		"sessionId", c.sess.ID(),
		"closeStatus", websocket.CloseStatus(err),
		"error", err,
	)
	c.srv.stopSession(ctx)
}

func (c *streamConn) unsubscribe() {
	bus := c.srv.deps.Bus
	bus.UnsubscribeInterim(c.interimCh)
	bus.UnsubscribeChunkFinalized(c.finalizedCh)
	bus.UnsubscribeSegmentStatus(c.statusCh)
}

// readLoop consumes client frames: binary PCM16 goes into the pipeline, text
// frames are control messages. It never writes to the connection.
func (c *streamConn) readLoop(ctx context.Context) error {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}

		switch typ {
		case websocket.MessageBinary:
			if err := c.sess.ProcessSamples(data); err != nil {
				c.conn.Close(websocket.StatusUnsupportedData, err.Error())
				return fmt.Errorf("server: rejected audio frame: %w", err)
			}
			c.srv.metrics.BytesIngested.Add(ctx, int64(len(data)))

		case websocket.MessageText:
			var ctl controlMessage
			if err := json.Unmarshal(data, &ctl); err != nil {
				c.srv.log.Warn("undecodable control message", "sessionId", c.sess.ID(), "error", err)
				continue
			}
			switch ctl.Type {
			case "stop":
				// Drain while the pump is still forwarding: the client
				// sees the final interim and every terminal segment
				// status before session_stopped.
				c.stopRequested.Store(true)
				c.srv.stopSession(ctx)
				c.stopAck <- c.sess.Stats()
				return nil
			default:
				c.srv.log.Warn("unknown control message", "sessionId", c.sess.ID(), "messageType", ctl.Type)
			}
		}
	}
}

// pump owns all writes: the hello, every bus event, and the stop handshake.
func (c *streamConn) pump(ctx context.Context, recovered int) error {
	if err := c.writeJSON(ctx, sessionStartedMsg{
		Type:              "session_started",
		SessionID:         c.sess.ID(),
		RecoveredSegments: recovered,
	}); err != nil {
		return err
	}

	for {
		select {
		case st := <-c.stopAck:
			c.drainBacklog(ctx)
			return c.writeJSON(ctx, sessionStoppedMsg{
				Type:              "session_stopped",
				SessionID:         st.SessionID,
				BytesIngested:     st.BytesIngested,
				ChunksEmitted:     st.Chunker.ChunksEmitted,
				SegmentsCompleted: st.Dispatch.Completed,
				SegmentsFailed:    st.Dispatch.Failed,
			})
		case ev, ok := <-c.interimCh:
			if !ok {
				return nil
			}
			if err := c.sendInterim(ctx, ev); err != nil {
				return err
			}
		case ev, ok := <-c.finalizedCh:
			if !ok {
				return nil
			}
			if err := c.sendFinalized(ctx, ev); err != nil {
				return err
			}
		case ev, ok := <-c.statusCh:
			if !ok {
				return nil
			}
			if err := c.sendStatus(ctx, ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drainBacklog forwards whatever the subscriber buffers still hold. Called on
// the stop path after the pipeline finished publishing.
func (c *streamConn) drainBacklog(ctx context.Context) {
	interimCh, finalizedCh, statusCh := c.interimCh, c.finalizedCh, c.statusCh
	for interimCh != nil || finalizedCh != nil || statusCh != nil {
		select {
		case ev, ok := <-interimCh:
			if !ok {
				interimCh = nil
				continue
			}
			if err := c.sendInterim(ctx, ev); err != nil {
				return
			}
		case ev, ok := <-finalizedCh:
			if !ok {
				finalizedCh = nil
				continue
			}
			if err := c.sendFinalized(ctx, ev); err != nil {
				return
			}
		case ev, ok := <-statusCh:
			if !ok {
				statusCh = nil
				continue
			}
			if err := c.sendStatus(ctx, ev); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *streamConn) sendInterim(ctx context.Context, ev events.InterimText) error {
	c.srv.metrics.RecordInterim(ctx)
	return c.writeJSON(ctx, interimMsg{
		Type:      "interim",
		Text:      ev.Text,
		UpdatedAt: ev.UpdatedAt,
	})
}

func (c *streamConn) sendFinalized(ctx context.Context, ev events.ChunkFinalized) error {
	c.srv.metrics.RecordChunk(ctx, ev.TotalDuration, ev.SpeechDuration, string(ev.Trigger))
	return c.writeJSON(ctx, chunkFinalizedMsg{
		Type:          "chunk_finalized",
		SequenceIndex: ev.SequenceIndex,
		Trigger:       string(ev.Trigger),
		SpeechMs:      ev.SpeechDuration.Milliseconds(),
		TotalMs:       ev.TotalDuration.Milliseconds(),
		FinalizedAt:   ev.FinalizedAt,
	})
}

func (c *streamConn) sendStatus(ctx context.Context, ev events.SegmentStatus) error {
	c.srv.metrics.RecordSegment(ctx, string(ev.Status))
	return c.writeJSON(ctx, segmentStatusMsg{
		Type:          "segment_status",
		SequenceIndex: ev.SequenceIndex,
		Status:        string(ev.Status),
		Text:          ev.Text,
		FailReason:    ev.FailReason,
	})
}

// writeJSON marshals v and writes it as one text frame under writeTimeout.
func (c *streamConn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("server: marshal event: %w", err)
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	return c.conn.Write(wctx, websocket.MessageText, data)
}
