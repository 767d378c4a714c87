package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-lichess-bot/pkg/analysisdto"
)

// Server speaks the analysis protocol over websocket: each text frame is a
// JSON array of SAN moves, each reply is one JSON object.
type Server struct {
	analyzer *Analyzer
	logger   *zap.Logger

	// Origins restricts browser origins; empty accepts any.
	Origins []string
}

func NewServer(analyzer *Analyzer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{analyzer: analyzer, logger: logger}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{OriginPatterns: s.Origins}
	if len(s.Origins) == 0 {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Warn("analysis_accept_failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")
	conn.SetReadLimit(1 << 20)

	log := s.logger.With(zap.String("conn_id", uuid.NewString()), zap.String("remote", r.RemoteAddr))
	log.Info("analysis_client_connected")

	ctx := r.Context()
	tracker := NewTracker()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || websocket.CloseStatus(err) == websocket.StatusGoingAway {
				log.Info("analysis_client_closed")
			} else if !errors.Is(err, context.Canceled) {
				log.Warn("analysis_read_failed", zap.Error(err))
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		reply := s.Respond(ctx, tracker, data)
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = wsjson.Write(wctx, conn, reply)
		cancel()
		if err != nil {
			log.Warn("analysis_write_failed", zap.Error(err))
			return
		}
	}
}

// Respond handles one frame against the connection's tracker and returns the
// reply payload.
func (s *Server) Respond(ctx context.Context, tracker *Tracker, data []byte) any {
	if !json.Valid(data) {
		return analysisdto.Error{Error: analysisdto.ErrInvalidJSON}
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil || items == nil {
		return analysisdto.Error{Error: analysisdto.ErrExpectedMoves}
	}
	moves := make([]string, 0, len(items))
	for _, it := range items {
		var san string
		if err := json.Unmarshal(it, &san); err != nil {
			tracker.Reset()
			return analysisdto.Status{Status: analysisdto.StatusReset}
		}
		moves = append(moves, san)
	}
	if err := tracker.Sync(moves); err != nil {
		s.logger.Info("analysis_board_reset", zap.Error(err))
		return analysisdto.Status{Status: analysisdto.StatusReset}
	}
	pos := tracker.Position()
	return analysisdto.Analysis{PVs: s.analyzer.Analyse(ctx, pos), FEN: pos.FEN()}
}

// ListenAndServe runs h on addr until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, h http.Handler, logger *zap.Logger) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("analysis_server_listening", zap.String("addr", "ws://"+addr))
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
