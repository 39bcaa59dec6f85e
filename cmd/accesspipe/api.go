package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/doclens/accesspipe/artifact"
	"github.com/doclens/accesspipe/docstore"
	"github.com/doclens/accesspipe/jobq"
	"github.com/doclens/accesspipe/observability"
	"github.com/doclens/accesspipe/pipeline"
)

// maxUploadBytes caps uploaded PDFs at 100 MiB.
const maxUploadBytes = 100 << 20

type apiServer struct {
	docs  *docstore.Manager
	jobs  *jobq.Store
	blobs *artifact.Store
	obsDB *sql.DB
	db    *sql.DB
}

func (s *apiServer) routes(r chi.Router) {
	r.Get("/healthz", s.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/documents", s.uploadDocument)
		r.Get("/documents", s.listDocuments)
		r.Get("/documents/{docID}", s.getDocument)
		r.Delete("/documents/{docID}", s.deleteDocument)
		r.Get("/documents/{docID}/jobs", s.documentJobs)
		r.Post("/documents/{docID}/review/approve", s.approveReview)
		r.Post("/documents/{docID}/steps/{step}/retry", s.retryStep)
		r.Get("/documents/{docID}/artifacts/{kind}/url", s.artifactURL)

		r.Get("/artifacts/download", s.downloadArtifact)
		r.Get("/jobs/{jobID}", s.getJob)
	})
}

// uploadDocument accepts either a multipart PDF upload or a JSON registration
// of an already-stored original, creates the document, and starts the
// pipeline.
func (s *apiServer) uploadDocument(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		s.registerDocument(w, r)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	defer file.Close()

	ownerID := r.Header.Get("X-Owner-ID")
	if ownerID == "" {
		ownerID = "anonymous"
	}
	priority, _ := strconv.Atoi(r.FormValue("priority"))

	meta := pipeline.DocMetadata{
		Filename:   header.Filename,
		Priority:   priority,
		Language:   r.FormValue("language"),
		WebhookURL: r.FormValue("webhook_url"),
	}

	doc, err := s.docs.Create(r.Context(), ownerID, meta, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	key, size, err := s.blobs.PutOriginal(r.Context(), doc.DocID, file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.docs.SetOriginal(r.Context(), doc.DocID, key, size); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	job, err := s.docs.Start(r.Context(), doc.DocID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	doc, err = s.docs.Get(r.Context(), doc.DocID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"document":  doc,
		"first_job": job.JobID,
	})
}

// registerDocument creates a document over an original that was written to
// the artifact store out of band. The storage key must resolve to existing
// content.
func (s *apiServer) registerDocument(w http.ResponseWriter, r *http.Request) {
	var body struct {
		StorageKey string `json:"storage_key"`
		Filename   string `json:"filename"`
		Language   string `json:"language"`
		Priority   int    `json:"priority"`
		WebhookURL string `json:"webhook_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	data, err := s.blobs.Read(r.Context(), body.StorageKey)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	ownerID := r.Header.Get("X-Owner-ID")
	if ownerID == "" {
		ownerID = "anonymous"
	}
	meta := pipeline.DocMetadata{
		Filename:   body.Filename,
		Priority:   body.Priority,
		Language:   body.Language,
		WebhookURL: body.WebhookURL,
	}

	doc, err := s.docs.Create(r.Context(), ownerID, meta, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.docs.SetOriginal(r.Context(), doc.DocID, body.StorageKey, int64(len(data))); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	job, err := s.docs.Start(r.Context(), doc.DocID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	doc, err = s.docs.Get(r.Context(), doc.DocID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"document":  doc,
		"first_job": job.JobID,
	})
}

func (s *apiServer) listDocuments(w http.ResponseWriter, r *http.Request) {
	ownerID := r.Header.Get("X-Owner-ID")
	if ownerID == "" {
		ownerID = "anonymous"
	}
	docs, err := s.docs.ByOwner(r.Context(), ownerID, queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if docs == nil {
		docs = []*pipeline.Document{}
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *apiServer) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.docs.Get(r.Context(), chi.URLParam(r, "docID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *apiServer) deleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := s.docs.Delete(r.Context(), chi.URLParam(r, "docID")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *apiServer) documentJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.ByDoc(r.Context(), chi.URLParam(r, "docID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if jobs == nil {
		jobs = []*pipeline.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *apiServer) approveReview(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ReviewerID string `json:"reviewer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.ReviewerID == "" {
		body.ReviewerID = "unknown"
	}
	doc, err := s.docs.ApproveReview(r.Context(), chi.URLParam(r, "docID"), body.ReviewerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *apiServer) retryStep(w http.ResponseWriter, r *http.Request) {
	step := pipeline.Step(chi.URLParam(r, "step"))
	if !step.Valid() {
		writeError(w, http.StatusBadRequest, jobq.ErrUnknownStep)
		return
	}
	job, err := s.docs.RetryStep(r.Context(), chi.URLParam(r, "docID"), step)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *apiServer) artifactURL(w http.ResponseWriter, r *http.Request) {
	doc, err := s.docs.Get(r.Context(), chi.URLParam(r, "docID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	kind := pipeline.ArtifactKind(chi.URLParam(r, "kind"))
	key, ok := doc.Artifacts[kind]
	if !ok {
		writeError(w, http.StatusNotFound, artifact.ErrNotFound)
		return
	}
	url, err := s.blobs.SignURL(key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *apiServer) downloadArtifact(w http.ResponseWriter, r *http.Request) {
	key, err := s.blobs.VerifyQuery(r.URL.Query())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	rc, err := s.blobs.Open(r.Context(), key)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	io.Copy(w, rc)
}

func (s *apiServer) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.jobs.Get(r.Context(), jobID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	logs, err := s.jobs.Logs(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job, "logs": logs})
}

func (s *apiServer) health(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "down", "error": err.Error()})
		return
	}
	out := map[string]any{"status": "ok"}
	if hb, err := observability.LatestHeartbeat(r.Context(), s.obsDB, "accesspipe-worker", 45*time.Second); err == nil && hb != nil {
		out["worker"] = hb
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// writeDomainError maps store errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, docstore.ErrDocNotFound),
		errors.Is(err, jobq.ErrJobNotFound),
		errors.Is(err, artifact.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, jobq.ErrDuplicateJob),
		errors.Is(err, jobq.ErrNoFailedJob),
		errors.Is(err, docstore.ErrNotStartable),
		errors.Is(err, docstore.ErrNotFlagged):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, artifact.ErrBadSignature):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, artifact.ErrExpired):
		writeError(w, http.StatusGone, err)
	case errors.Is(err, artifact.ErrBadKey):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
