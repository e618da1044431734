package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hugo-lorenzo-mato/ncclwatch/internal/comm"
)

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "pong"})
}

// boolParam reads a boolean query parameter, falling back to def when it is
// absent.
func boolParam(r *http.Request, name string, def bool) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid value %q for %s", raw, name)
	}
	return v, nil
}

type dumpParams struct {
	includeCollectives bool
	includeStacks      bool
	onlyActive         bool
}

func parseDumpParams(r *http.Request) (dumpParams, error) {
	var p dumpParams
	var err error
	if p.includeCollectives, err = boolParam(r, "includecollectives", true); err != nil {
		return p, err
	}
	if p.includeStacks, err = boolParam(r, "includestacktraces", true); err != nil {
		return p, err
	}
	if p.onlyActive, err = boolParam(r, "onlyactive", false); err != nil {
		return p, err
	}
	return p, nil
}

func (s *Server) commState(r *http.Request) map[string]map[string]string {
	if s.comms == nil {
		return nil
	}
	return comm.DumpAll(r.Context(), s.comms.Comms(), s.logger)
}

// handleDumpTraceJSON serves the recorder as JSON without stack frames.
func (s *Server) handleDumpTraceJSON(w http.ResponseWriter, r *http.Request) {
	p, err := parseDumpParams(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	body, err := s.buf.DumpJSON(s.commState(r), p.includeCollectives, p.onlyActive)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondRaw(w, "application/json", body)
}

// handleDump serves the full document as JSON or YAML.
func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	p, err := parseDumpParams(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	doc := s.buf.Dump(s.commState(r), p.includeCollectives, p.includeStacks, p.onlyActive)

	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		body, err := doc.JSON()
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondRaw(w, "application/json", body)
	case "yaml":
		body, err := doc.YAML()
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondRaw(w, "application/yaml", body)
	default:
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unsupported format %q", format))
	}
}

func (s *Server) handleDumpToSink(w http.ResponseWriter, r *http.Request) {
	if s.dumper == nil {
		respondError(w, http.StatusNotImplemented, "no dump sink configured")
		return
	}
	if err := s.dumper.DumpNow(r.Context()); err != nil {
		respondError(w, httpStatusForError(err), err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "dumped"})
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "recordID"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "record id must be a non-negative integer")
		return
	}
	includeStacks, err := boolParam(r, "includestacktraces", true)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, ok := s.buf.EntryRecord(id, includeStacks)
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Sprintf("record %d is not in the buffer", id))
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListComms(w http.ResponseWriter, _ *http.Request) {
	infos := []comm.Info{}
	if s.comms != nil {
		for _, c := range s.comms.Comms() {
			infos = append(infos, c.Info())
		}
	}
	respondJSON(w, http.StatusOK, infos)
}
