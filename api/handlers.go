package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/i5heu/ouroboros-graph/pkg/objects"
)

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var objs []map[string]any
	if !s.decode(w, r, &objs) {
		return
	}
	ids, err := s.repo.CreateObjects(r.Context(), chi.URLParam(r, "streamId"), objs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, createResponse{IDs: ids})
}

func (s *Server) handleGetSingle(w http.ResponseWriter, r *http.Request) {
	o, err := s.repo.GetObject(r.Context(), chi.URLParam(r, "streamId"), chi.URLParam(r, "objectId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(o.Data)
}

// handleGetWithChildren streams a JSON array holding the object followed
// by every member of its closure.
func (s *Server) handleGetWithChildren(w http.ResponseWriter, r *http.Request) {
	streamID, objectID := chi.URLParam(r, "streamId"), chi.URLParam(r, "objectId")
	root, err := s.repo.GetObject(r.Context(), streamID, objectID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	bw := bufio.NewWriter(w)
	_, _ = bw.WriteString("[")
	_, _ = bw.Write(root.Data)
	err = s.repo.GetObjectChildrenStream(r.Context(), streamID, objectID, func(o objects.Object) error {
		if _, err := bw.WriteString(","); err != nil {
			return err
		}
		_, err := bw.Write(o.Data)
		return err
	})
	if err != nil {
		// the status is already sent
		s.log.WithError(err).WithField("object", objectID).Error("Streaming children failed")
		return
	}
	_, _ = bw.WriteString("]")
	_ = bw.Flush()
}

// handleGetObjects answers loader batches with one "<id>\t<json>" line per
// stored object. Unknown ids are left out.
func (s *Server) handleGetObjects(w http.ResponseWriter, r *http.Request) {
	var req getObjectsRequest
	if !s.decode(w, r, &req) {
		return
	}
	var ids []string
	if err := json.Unmarshal([]byte(req.Objects), &ids); err != nil {
		http.Error(w, fmt.Sprintf("objects must be a json array of ids: %v", err), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	bw := bufio.NewWriter(w)
	err := s.repo.GetObjectsBatch(r.Context(), chi.URLParam(r, "streamId"), ids, func(o objects.Object) error {
		if _, err := bw.WriteString(o.ID + "\t"); err != nil {
			return err
		}
		if _, err := bw.Write(o.Data); err != nil {
			return err
		}
		return bw.WriteByte('\n')
	})
	if err != nil {
		s.log.WithError(err).WithField("requested", len(ids)).Error("Streaming objects failed")
		return
	}
	_ = bw.Flush()
}

func (s *Server) handleChildren(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read body: %v", err), http.StatusBadRequest)
		return
	}
	q, err := ParseChildrenQuery(body, chi.URLParam(r, "objectId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.repo.GetObjectChildrenQuery(r.Context(), chi.URLParam(r, "streamId"), q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}
