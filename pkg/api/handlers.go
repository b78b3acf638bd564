package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/cuemby/nodemanager/pkg/types"
)

// statusReply is the body of a running-status reply
type statusReply struct {
	Status types.RunningState `json:"status"`
}

// errorReply is the body of every 400 reply
type errorReply struct {
	Message string `json:"Message"`
}

func (s *Server) handleRunningStatus(w http.ResponseWriter, r *http.Request) {
	if ip := callerIP(r); ip != "" && s.cfg.Controller != nil {
		s.cfg.Controller.Observe(ip)
	}

	state := s.cfg.State.State()
	code := http.StatusOK
	if state == types.StateAbnormal {
		code = StatusAbnormal
	}
	writeJSON(w, code, statusReply{Status: state})
}

func (s *Server) handleFaultCommand(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err.Error())
		return
	}

	var env types.CommandEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeError(w, "invalid command body: "+err.Error())
		return
	}
	if !env.Cmd.Valid() {
		writeError(w, fmt.Sprintf("unknown cmd %q", env.Cmd))
		return
	}

	s.logger.Info().
		Str("cmd", string(env.Cmd)).
		Str("caller", r.RemoteAddr).
		Msg("Controller command received")

	reply := s.cfg.Commands.Handle(r.Context(), env.Cmd)
	if !reply.Status {
		writeError(w, reply.Reason)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleHardwareFault(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err.Error())
		return
	}

	report, err := types.ParseFaultReport(body)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Rejected hardware fault report")
		writeError(w, err.Error())
		return
	}

	normalized, _ := json.Marshal(report)
	s.logger.Info().
		Int("nodes", len(report.FaultNodeInfo)).
		Int("devices", report.DeviceCount()).
		RawJSON("report", normalized).
		Msg("Hardware fault report received")
	writeJSON(w, http.StatusOK, struct{}{})
}

// callerIP returns the first X-Forwarded-For hop, or the peer address
func callerIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return ""
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	return body, nil
}

func writeError(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorReply{Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
