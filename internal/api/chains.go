package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/chainkeeper/internal/chain"
	"github.com/nerrad567/chainkeeper/internal/history"
)

// StartRequest is the optional body of POST /chains/{id}/start.
type StartRequest struct {
	Args []string `json:"args,omitempty"`
}

// StopRequest is the optional body of POST /chains/{id}/stop.
type StopRequest struct {
	Force bool `json:"force,omitempty"`
}

// GroupRequest is the optional body of the start-all and stop-all
// commands. An empty Chains list means every defined chain.
type GroupRequest struct {
	Chains []string            `json:"chains,omitempty"`
	Args   map[string][]string `json:"args,omitempty"`
	Force  bool                `json:"force,omitempty"`
}

// HistoryResponse is the body of GET /chains/{id}/history.
type HistoryResponse struct {
	Runs      *history.Page[history.Run]      `json:"runs"`
	Downloads *history.Page[history.Download] `json:"downloads"`
}

type ctxKeyChainID struct{}

// knownChain answers 404 for chain IDs missing from the definitions, so
// handlers below it only see failures of the command itself.
func (s *Server) knownChain(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := s.cmds.Chains().Get(id); err != nil {
			writeNotFound(w, err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyChainID{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func chainID(r *http.Request) string {
	if id, ok := r.Context().Value(ctxKeyChainID{}).(string); ok {
		return id
	}
	return chi.URLParam(r, "id")
}

// decodeOptional decodes a JSON body into v. An empty body leaves v as is.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) handleListChains(w http.ResponseWriter, _ *http.Request) {
	chains, err := s.cmds.ListChains()
	if err != nil {
		s.logger.Error("listing chains failed", "error", err)
		writeInternalError(w, "failed to list chains")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chains": chains,
		"count":  len(chains),
	})
}

func (s *Server) handleGetChain(w http.ResponseWriter, r *http.Request) {
	st, err := s.cmds.GetChainStatus(chi.URLParam(r, "id"))
	if errors.Is(err, chain.ErrUnknownChain) {
		writeNotFound(w, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("reading chain status failed", "error", err)
		writeInternalError(w, "failed to read chain status")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleGetDownloads(w http.ResponseWriter, _ *http.Request) {
	downloads := s.cmds.GetDownloads()
	writeJSON(w, http.StatusOK, map[string]any{
		"downloads": downloads,
		"count":     len(downloads),
	})
}

func (s *Server) handleChainHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.cmds.Chains().Get(id); err != nil {
		writeNotFound(w, err.Error())
		return
	}
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "history is not enabled")
		return
	}

	filter := history.Filter{ChainID: id}
	q := r.URL.Query()
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeBadRequest(w, name+" must be a non-negative integer")
			return
		}
		*dst = n
	}

	runs, err := s.history.ListRuns(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing run history failed", "chain", id, "error", err)
		writeInternalError(w, "failed to read history")
		return
	}
	downloads, err := s.history.ListDownloads(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing download history failed", "chain", id, "error", err)
		writeInternalError(w, "failed to read history")
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Runs: runs, Downloads: downloads})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := chainID(r)
	s.logger.Info("download requested", "chain", id, "caller", caller(r))
	writeResult(w, s.cmds.DownloadChain(r.Context(), id))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.cmds.PauseDownload(chainID(r)))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.cmds.ResumeDownload(chainID(r)))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := decodeOptional(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	id := chainID(r)
	s.logger.Info("start requested", "chain", id, "caller", caller(r), "extra_args", len(req.Args))
	writeResult(w, s.cmds.StartChain(r.Context(), id, req.Args))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req StopRequest
	if err := decodeOptional(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	id := chainID(r)
	s.logger.Info("stop requested", "chain", id, "caller", caller(r), "force", req.Force)
	if req.Force {
		writeResult(w, s.cmds.ForceStopChain(r.Context(), id))
		return
	}
	writeResult(w, s.cmds.StopChain(r.Context(), id))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id := chainID(r)
	s.logger.Info("reset requested", "chain", id, "caller", caller(r))
	writeResult(w, s.cmds.ResetChain(r.Context(), id))
}

func (s *Server) handleStartAll(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeGroup(w, r)
	if !ok {
		return
	}
	s.logger.Info("start-all requested", "chains", req.Chains, "caller", caller(r))
	writeResult(w, s.cmds.StartAll(r.Context(), req.Chains, req.Args))
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeGroup(w, r)
	if !ok {
		return
	}
	s.logger.Info("stop-all requested", "chains", req.Chains, "caller", caller(r), "force", req.Force)
	writeResult(w, s.cmds.StopAll(r.Context(), req.Chains, req.Force))
}

// decodeGroup reads a GroupRequest and fills in every chain when none are
// named. Unknown IDs answer 404.
func (s *Server) decodeGroup(w http.ResponseWriter, r *http.Request) (GroupRequest, bool) {
	var req GroupRequest
	if err := decodeOptional(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return req, false
	}
	set := s.cmds.Chains()
	if len(req.Chains) == 0 {
		req.Chains = set.IDs()
	}
	for _, id := range req.Chains {
		if _, err := set.Get(id); err != nil {
			writeNotFound(w, err.Error())
			return req, false
		}
	}
	return req, true
}
