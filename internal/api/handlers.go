package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/peritoai/periti/internal/lifecycle"
	"github.com/peritoai/periti/internal/models"
	"github.com/peritoai/periti/internal/store"
	"github.com/peritoai/periti/internal/store/postgres"
	"github.com/peritoai/periti/internal/tenant"
	"github.com/peritoai/periti/internal/worker"
	"github.com/rs/zerolog"
)

const maxListLimit = 500

func (s *Server) listCases(w http.ResponseWriter, r *http.Request) {
	filter := postgres.CaseFilter{Status: r.URL.Query().Get("status")}
	if filter.Status != "" && !lifecycle.State(filter.Status).Valid() {
		s.writeError(w, r, badRequest("unknown status %q", filter.Status))
		return
	}
	if raw := r.URL.Query().Get("client_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			s.writeError(w, r, badRequest("invalid client_id"))
			return
		}
		filter.ClientID = &id
	}
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	filter.Limit = limit

	var out []caseResponse
	err = s.withTenant(r, func(ctx context.Context, uow *postgres.UnitOfWork) error {
		cases, err := uow.Cases().List(ctx, filter)
		if err != nil {
			return err
		}
		out = make([]caseResponse, 0, len(cases))
		for _, c := range cases {
			out = append(out, newCaseResponse(c))
		}
		return nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createCase(w http.ResponseWriter, r *http.Request) {
	var req createCaseRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.ReferenceCode = strings.TrimSpace(req.ReferenceCode)
	if req.ReferenceCode == "" {
		s.writeError(w, r, badRequest("reference_code is required"))
		return
	}

	c := &models.Case{
		ReferenceCode: req.ReferenceCode,
		ClaimNumber:   req.ClaimNumber,
		Title:         req.Title,
		ClientID:      req.ClientID,
	}
	err := s.withTenant(r, func(ctx context.Context, uow *postgres.UnitOfWork) error {
		return uow.Cases().Create(ctx, c)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newCaseResponse(c))
}

func (s *Server) getCase(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var c *models.Case
	err = s.withTenant(r, func(ctx context.Context, uow *postgres.UnitOfWork) error {
		c, err = uow.Cases().Get(ctx, id)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newCaseResponse(c))
}

func (s *Server) deleteCase(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	err = s.withTenant(r, func(ctx context.Context, uow *postgres.UnitOfWork) error {
		return uow.Cases().Delete(ctx, id)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) fireCaseEvent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req caseEventRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	event, err := lifecycle.ParseEvent(req.Event)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if event.ReportDriven() {
		s.writeError(w, r, fmt.Errorf("%w: %s is fired by report versions", store.ErrConflict, event))
		return
	}

	var c *models.Case
	err = s.withTenant(r, func(ctx context.Context, uow *postgres.UnitOfWork) error {
		c, err = uow.Cases().Transition(ctx, id, event)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newCaseResponse(c))
}

func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	caseID, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var out []documentResponse
	err = s.withTenant(r, func(ctx context.Context, uow *postgres.UnitOfWork) error {
		// Distinguish an empty case from one that is not visible.
		if _, err := uow.Cases().Get(ctx, caseID); err != nil {
			return err
		}
		docs, err := uow.Documents().ListByCase(ctx, caseID)
		if err != nil {
			return err
		}
		out = make([]documentResponse, 0, len(docs))
		for _, d := range docs {
			out = append(out, newDocumentResponse(d))
		}
		return nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// createDocument records an uploaded document and queues its analysis. The analysis task
// carries the caller's tenant identifiers and runs in its own unit of work.
func (s *Server) createDocument(w http.ResponseWriter, r *http.Request) {
	caseID, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req createDocumentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.Filename = strings.TrimSpace(req.Filename)
	if req.Filename == "" {
		s.writeError(w, r, badRequest("filename is required"))
		return
	}
	if req.SizeBytes < 0 {
		s.writeError(w, r, badRequest("size_bytes must not be negative"))
		return
	}

	doc := &models.Document{
		CaseID:      caseID,
		Filename:    req.Filename,
		ContentType: req.ContentType,
		SizeBytes:   req.SizeBytes,
		StoragePath: req.StoragePath,
		Source:      models.DocumentSourceUpload,
	}
	err = s.withTenant(r, func(ctx context.Context, uow *postgres.UnitOfWork) error {
		return uow.Documents().Create(ctx, doc)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := newDocumentResponse(doc)
	queued := s.queueAnalysis(r, doc)
	resp.AnalysisQueued = &queued
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) queueAnalysis(r *http.Request, doc *models.Document) bool {
	if s.tasks == nil {
		return false
	}

	scope, _ := tenant.FromContext(r.Context())
	task, err := worker.NewTask(worker.KindDocumentAnalyze, scope, worker.DocumentAnalyze{DocumentID: doc.DocumentID})
	if err == nil {
		task.ID = worker.KindDocumentAnalyze + ":" + doc.DocumentID.String()
		err = s.tasks.Enqueue(r.Context(), task)
	}
	if err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Str("document_id", doc.DocumentID.String()).Msg("Failed to queue document analysis")
		return false
	}
	return true
}

func (s *Server) listAnalyses(w http.ResponseWriter, r *http.Request) {
	docID, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var out []analysisResponse
	err = s.withTenant(r, func(ctx context.Context, uow *postgres.UnitOfWork) error {
		if _, err := uow.Documents().Get(ctx, docID); err != nil {
			return err
		}
		analyses, err := uow.DocumentAnalyses().ListByDocument(ctx, docID)
		if err != nil {
			return err
		}
		out = make([]analysisResponse, 0, len(analyses))
		for _, a := range analyses {
			out = append(out, analysisResponse{
				ID:         a.AnalysisID,
				DocumentID: a.DocumentID,
				Summary:    a.Summary,
				Model:      a.Model,
				CreatedAt:  a.CreatedAt,
			})
		}
		return nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listReports(w http.ResponseWriter, r *http.Request) {
	caseID, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var out []reportResponse
	err = s.withTenant(r, func(ctx context.Context, uow *postgres.UnitOfWork) error {
		if _, err := uow.Cases().Get(ctx, caseID); err != nil {
			return err
		}
		versions, err := uow.ReportVersions().ListByCase(ctx, caseID)
		if err != nil {
			return err
		}
		out = make([]reportResponse, 0, len(versions))
		for _, rv := range versions {
			out = append(out, newReportResponse(rv))
		}
		return nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// createReport stores a new draft version of the case report, moving the case to
// report_draft.
func (s *Server) createReport(w http.ResponseWriter, r *http.Request) {
	caseID, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req createReportRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	rv := &models.ReportVersion{CaseID: caseID, Content: req.Content}
	err = s.withTenant(r, func(ctx context.Context, uow *postgres.UnitOfWork) error {
		return uow.ReportVersions().Create(ctx, rv)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newReportResponse(rv))
}

// finalizeReport marks a report version final and closes its case.
func (s *Server) finalizeReport(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var rv *models.ReportVersion
	err = s.withTenant(r, func(ctx context.Context, uow *postgres.UnitOfWork) error {
		rv, err = uow.ReportVersions().Finalize(ctx, id)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newReportResponse(rv))
}

func (s *Server) listEmailLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var out []emailLogResponse
	err = s.withTenant(r, func(ctx context.Context, uow *postgres.UnitOfWork) error {
		logs, err := uow.EmailLogs().List(ctx, limit)
		if err != nil {
			return err
		}
		out = make([]emailLogResponse, 0, len(logs))
		for _, e := range logs {
			out = append(out, emailLogResponse{
				ID:          e.EmailLogID,
				CaseID:      e.CaseID,
				MessageID:   e.MessageID,
				Sender:      e.Sender,
				Subject:     e.Subject,
				Status:      e.Status,
				Error:       e.Error,
				ReceivedAt:  e.ReceivedAt,
				ProcessedAt: e.ProcessedAt,
			})
		}
		return nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// parseLimit reads the limit query parameter, defaulting to 100.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 100, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > maxListLimit {
		return 0, badRequest("limit must be between 1 and %d", maxListLimit)
	}
	return limit, nil
}
