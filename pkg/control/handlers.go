package control

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cpeworks/cwmpd/internal/logger"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.Status())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events := s.agent.Events()
	if events == nil {
		events = []EventInfo{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	transfers := s.agent.Transfers()
	if transfers == nil {
		transfers = []TransferInfo{}
	}
	writeJSON(w, http.StatusOK, transfers)
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	logger.Debug("Value change check requested over control API")
	s.agent.Notify()
	writeJSON(w, http.StatusOK, CommandReply{Status: 0, Info: "value change check triggered"})
}

func (s *Server) handleInform(w http.ResponseWriter, r *http.Request) {
	var req InformRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, r, "invalid JSON body")
		return
	}
	if req.Event == "" {
		badRequest(w, r, "event is required")
		return
	}

	if err := s.agent.Inform(req.Event); err != nil {
		badRequest(w, r, err.Error())
		return
	}

	logger.Info("Inform requested over control API", "event", req.Event)
	writeJSON(w, http.StatusOK, CommandReply{Status: 0, Info: fmt.Sprintf("queued %s", req.Event)})
}

// handleCommand dispatches the management verbs. An unsupported name is
// a domain reply with status -1, not a transport error, so the caller
// can surface the info string as-is.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, r, "invalid JSON body")
		return
	}
	if req.Name == "" {
		badRequest(w, r, "name is required")
		return
	}

	switch req.Name {
	case "reload":
		logger.Info("Reload requested over control API")
		s.agent.Reload()
		writeJSON(w, http.StatusOK, CommandReply{Status: 0, Info: "cwmpd reloaded"})
	case "stop":
		logger.Info("Stop requested over control API")
		s.agent.Stop()
		writeJSON(w, http.StatusOK, CommandReply{Status: 0, Info: "cwmpd stopped"})
	default:
		writeJSON(w, http.StatusOK, CommandReply{
			Status: -1,
			Info:   fmt.Sprintf("%s command is not supported", req.Name),
		})
	}
}
