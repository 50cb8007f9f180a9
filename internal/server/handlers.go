package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/casecrawl/casecrawl/internal/batch"
	"github.com/casecrawl/casecrawl/internal/ingest"
	"github.com/casecrawl/casecrawl/internal/model"
	"github.com/casecrawl/casecrawl/internal/store"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

type submitRequest struct {
	Cases        []model.Submission `json:"cases" validate:"required,min=1,dive"`
	AutoDownload *bool              `json:"auto_download_exact_matches,omitempty"`
}

type submitResponse struct {
	BatchID    string            `json:"batch_id"`
	Status     model.BatchStatus `json:"status"`
	TotalCases int               `json:"total_cases"`
	CreatedAt  time.Time         `json:"created_at"`
}

type batchResponse struct {
	*model.BatchJob
	Stats model.BatchStats `json:"stats"`
}

type selectRequest struct {
	ResultID string `json:"result_id" validate:"required"`
	Override bool   `json:"override_civil_procedure"`
}

type forceReviewRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type listCasesResponse struct {
	Cases  []model.CaseJob `json:"cases"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	var sessions []model.CrawlerSession
	if s.sessions != nil {
		sessions = s.sessions.Sessions()
	}
	// Expired sessions log in again on checkout; blocked ones never return.
	usable := 0
	for _, sess := range sessions {
		if sess.Status != model.SessionCaptchaBlocked {
			usable++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"sessions":        len(sessions),
		"sessions_usable": usable,
	})
}

// submitBatch handles POST /api/batches.
func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.submit(w, r, req)
}

// uploadBatch handles POST /api/batches/upload with a CSV or XLSX "file"
// part and an optional "auto_download_exact_matches" field.
func (s *Server) uploadBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart upload")
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close() //nolint:errcheck

	subs, err := ingest.Read(r.Context(), hdr.Filename, hdr.Header.Get("Content-Type"), file)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	req := submitRequest{Cases: subs}
	if v := r.FormValue("auto_download_exact_matches"); v != "" {
		auto, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "auto_download_exact_matches must be a boolean")
			return
		}
		req.AutoDownload = &auto
	}
	if err := s.validate.Struct(&req); err != nil {
		writeDomainError(w, r, err)
		return
	}
	s.submit(w, r, req)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, req submitRequest) {
	auto := s.cfg.AutoDownload
	if req.AutoDownload != nil {
		auto = *req.AutoDownload
	}
	id, err := s.co.Submit(r.Context(), req.Cases, batch.SubmitOptions{AutoDownload: auto})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	b, err := s.co.GetBatch(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	s.dispatch(id)
	writeJSON(w, http.StatusAccepted, submitResponse{
		BatchID:    b.ID,
		Status:     b.Status,
		TotalCases: b.TotalCases,
		CreatedAt:  b.CreatedAt,
	})
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.co.GetBatch(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{BatchJob: b, Stats: b.Stats()})
}

// listCases handles GET /api/batches/{batchID}/cases?status=&limit=&offset=.
func (s *Server) listCases(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	if _, err := s.co.GetBatch(r.Context(), batchID); err != nil {
		writeDomainError(w, r, err)
		return
	}

	q := r.URL.Query()
	filter := store.CaseFilter{BatchID: batchID, Limit: defaultPageSize}
	if v := q.Get("status"); v != "" {
		status := model.CaseStatus(v)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(v))
			return
		}
		filter.Status = status
	}
	var ok bool
	if filter.Limit, ok = intParam(w, q.Get("limit"), "limit", defaultPageSize, 1, maxPageSize); !ok {
		return
	}
	if filter.Offset, ok = intParam(w, q.Get("offset"), "offset", 0, 0, -1); !ok {
		return
	}

	cases, err := s.co.ListCases(r.Context(), filter)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if cases == nil {
		cases = []model.CaseJob{}
	}
	writeJSON(w, http.StatusOK, listCasesResponse{Cases: cases, Limit: filter.Limit, Offset: filter.Offset})
}

func (s *Server) getCase(w http.ResponseWriter, r *http.Request) {
	c, err := s.co.GetStatus(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) getCandidates(w http.ResponseWriter, r *http.Request) {
	results, err := s.co.GetCandidates(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if results == nil {
		results = []model.MatchResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": results})
}

func (s *Server) selectCandidate(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if !s.decode(w, r, &req) {
		return
	}
	c, err := s.co.Select(r.Context(), chi.URLParam(r, "caseID"), req.ResultID, req.Override)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, c)
}

func (s *Server) forceManualReview(w http.ResponseWriter, r *http.Request) {
	var req forceReviewRequest
	if !s.decode(w, r, &req) {
		return
	}
	c, err := s.co.ForceManualReview(r.Context(), chi.URLParam(r, "caseID"), req.Reason)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := []model.CrawlerSession{}
	if s.sessions != nil {
		sessions = append(sessions, s.sessions.Sessions()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// intParam parses an optional integer query parameter. hi < 0 means no
// upper bound.
func intParam(w http.ResponseWriter, raw, name string, def, lo, hi int) (int, bool) {
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || (hi >= 0 && n > hi) {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return n, true
}
