package httpapi

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/cab-dispatch/internal/feed"
)

// handleFeedWS streams live cab positions. ?cabId= narrows it to one cab.
func (s *Server) handleFeedWS(w http.ResponseWriter, r *http.Request) {
	cabID := r.URL.Query().Get("cabId")
	if cabID != "" {
		if _, err := s.ledger.GetCab(r.Context(), cabID); err != nil {
			s.writeAppError(w, r, err)
			return
		}
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the response
		s.logger.Debug("ws upgrade failed", "error", err)
		return
	}
	sess := s.sessions.Add(uuid.NewString(), conn)
	defer s.sessions.Remove(sess)
	feed.ServeObserver(r.Context(), s.hub, sess, cabID, s.opts.FeedBuffer, s.logger)
}

// handleCabWS accepts a stream of position reports from one driver client.
func (s *Server) handleCabWS(w http.ResponseWriter, r *http.Request) {
	cabID := mux.Vars(r)["cabId"]
	if _, err := s.ledger.GetCab(r.Context(), cabID); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("ws upgrade failed", "cab_id", cabID, "error", err)
		return
	}
	sess := s.sessions.Add(cabID, conn)
	defer s.sessions.Remove(sess)
	s.logger.Info("driver stream opened", "cab_id", cabID)
	feed.ServeReporter(r.Context(), sess, cabID, s.ledger, s.logger)
	s.logger.Info("driver stream closed", "cab_id", cabID)
}
