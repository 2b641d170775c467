package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/TechSquidTV/Hermes/models"
	"github.com/TechSquidTV/Hermes/redis"
	"github.com/TechSquidTV/Hermes/redis/tasks"
	"github.com/TechSquidTV/Hermes/web/auth"
)

const defaultFormat = "best"

// CreateDownload handles POST /api/v1/downloads.
func (h *DownloadHandlers) CreateDownload(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.GetUserID(r.Context())
	if err != nil {
		renderError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	var req models.CreateDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := validateURL(req.URL); err != nil {
		renderError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Format == "" {
		req.Format = defaultFormat
	}

	job := models.Job{
		OwnerID:   userID,
		URL:       req.URL,
		Format:    req.Format,
		Status:    models.StatusPending,
		CreatedAt: h.Deps.Now().UTC(),
	}

	ctx := r.Context()

	if err := h.Deps.Jobs.Create(ctx, &job); err != nil {
		h.Deps.Logger.Error("failed to create download", zap.String("url", req.URL), zap.Error(err))
		renderError(w, http.StatusInternalServerError, "Failed to create download")

		return
	}

	payload := tasks.DownloadPayload{DownloadID: job.ID, URL: job.URL, Format: job.Format}

	if err := h.Deps.Queue.EnqueueDownload(ctx, payload); err != nil {
		h.Deps.Logger.Error("failed to enqueue download", zap.String("download_id", job.ID), zap.Error(err))

		now := h.Deps.Now().UTC()
		if uerr := h.Deps.Jobs.UpdateStatus(ctx, job.ID, models.StatusUpdate{
			Status:       models.StatusFailed,
			CompletedAt:  &now,
			ErrorMessage: "failed to enqueue download",
		}); uerr != nil {
			h.Deps.Logger.Error("failed to mark download failed", zap.String("download_id", job.ID), zap.Error(uerr))
		}

		renderError(w, http.StatusInternalServerError, "Failed to queue download")

		return
	}

	h.Deps.Progress.PublishQueueUpdate(ctx, models.QueueActionAdded, job.ID, job.Status, map[string]any{
		"url": job.URL,
	})

	h.Deps.Logger.Info("download queued", zap.String("download_id", job.ID), zap.String("user_id", userID))

	renderJSON(w, http.StatusCreated, models.CreateDownloadResponse{ID: job.ID, Status: job.Status})
}

// GetProgress handles GET /api/v1/downloads/{id}/progress.
func (h *DownloadHandlers) GetProgress(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if snap, ok := h.Deps.Progress.GetSnapshot(r.Context(), id); ok {
		renderJSON(w, http.StatusOK, snap)
		return
	}

	job, err := h.Deps.Jobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			renderError(w, http.StatusNotFound, "Download not found")
			return
		}

		h.Deps.Logger.Error("failed to get download", zap.String("download_id", id), zap.Error(err))
		renderError(w, http.StatusInternalServerError, "Failed to get download")

		return
	}

	renderJSON(w, http.StatusOK, snapshotFromJob(job))
}

// CancelDownload handles POST /api/v1/downloads/{id}/cancel.
func (h *DownloadHandlers) CancelDownload(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := r.Context()

	job, err := h.Deps.Jobs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			renderError(w, http.StatusNotFound, "Download not found")
			return
		}

		h.Deps.Logger.Error("failed to get download", zap.String("download_id", id), zap.Error(err))
		renderError(w, http.StatusInternalServerError, "Failed to get download")

		return
	}

	if job.Status.IsTerminal() {
		renderError(w, http.StatusConflict, "Download already finished")
		return
	}

	res, err := h.Deps.Queue.CancelDownload(ctx, id)
	if err != nil {
		h.Deps.Logger.Error("failed to cancel download task", zap.String("download_id", id), zap.Error(err))
		renderError(w, http.StatusInternalServerError, "Failed to cancel download")

		return
	}

	// A running task finishes the job itself once it sees the cancellation.
	if res == redis.CancelSignalled {
		renderJSON(w, http.StatusAccepted, models.CreateDownloadResponse{ID: id, Status: job.Status})
		return
	}

	now := h.Deps.Now().UTC()

	err = h.Deps.Jobs.UpdateStatus(ctx, id, models.StatusUpdate{
		Status:       models.StatusCancelled,
		CompletedAt:  &now,
		ErrorMessage: "Download cancelled by user",
	})
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			renderError(w, http.StatusConflict, "Download already finished")
			return
		}

		h.Deps.Logger.Error("failed to cancel download", zap.String("download_id", id), zap.Error(err))
		renderError(w, http.StatusInternalServerError, "Failed to cancel download")

		return
	}

	action := models.QueueActionStatusChanged
	if job.Status == models.StatusPending {
		action = models.QueueActionRemoved
	}

	h.Deps.Progress.PublishQueueUpdate(ctx, action, id, models.StatusCancelled, nil)

	renderJSON(w, http.StatusOK, models.CreateDownloadResponse{ID: id, Status: models.StatusCancelled})
}

func validateURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("url is required")
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.New("url must be an absolute http or https URL")
	}

	return nil
}

func snapshotFromJob(job models.Job) models.Snapshot {
	snap := models.Snapshot{
		DownloadID: job.ID,
		Progress: models.ProgressInfo{
			Percentage:      job.Progress,
			Status:          job.Status,
			DownloadedBytes: job.DownloadedBytes,
			TotalBytes:      job.TotalBytes,
			Speed:           job.Speed,
			ETA:             job.ETA,
		},
		UpdatedAt: job.CreatedAt,
	}

	switch {
	case job.CompletedAt != nil:
		snap.UpdatedAt = *job.CompletedAt
	case job.StartedAt != nil:
		snap.UpdatedAt = *job.StartedAt
	}

	if job.Title != "" || job.Extractor != "" {
		snap.Result = &models.ResultSummary{
			Title:     job.Title,
			Thumbnail: job.ThumbnailURL,
			Extractor: job.Extractor,
			Duration:  job.Duration,
		}
	}

	return snap
}
