package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dgnsrekt/gateway-relay/internal/shard"
	"github.com/dgnsrekt/gateway-relay/internal/subscriber"
)

// handleShardWS upgrades the connection and attaches it to a shard's stream.
func (s *Server) handleShardWS(w http.ResponseWriter, r *http.Request) {
	session, ok := s.lookupShard(w, r)
	if !ok {
		return
	}
	subscriber.Attach(s.ctx, session, w, r, s.logger)
}

// handleShardReady serves the shard's current synthetic ready snapshot.
func (s *Server) handleShardReady(w http.ResponseWriter, r *http.Request) {
	session, ok := s.lookupShard(w, r)
	if !ok {
		return
	}

	body, ok := session.ReadySnapshot()
	if !ok {
		http.Error(w, "shard not ready", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("failed to write ready snapshot",
			zap.Int("shard", session.ID()),
			zap.Error(err),
		)
	}
}

func (s *Server) lookupShard(w http.ResponseWriter, r *http.Request) (*shard.Session, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid shard id", http.StatusBadRequest)
		return nil, false
	}
	session, ok := s.sessions[id]
	if !ok {
		http.Error(w, "unknown shard", http.StatusNotFound)
		return nil, false
	}
	return session, true
}
