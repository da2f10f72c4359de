package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/wezzauk/ReelContent-sub000/admission"
	"github.com/wezzauk/ReelContent-sub000/apierr"
	"github.com/wezzauk/ReelContent-sub000/obs"
	"github.com/wezzauk/ReelContent-sub000/queue"
	"github.com/wezzauk/ReelContent-sub000/store"
)

const healthTimeout = 5 * time.Second

// Polling hints returned while a generation is still pending.
const (
	suggestedIntervalMs = 2000
	estimatedWaitMs     = 15000
)

type createRequest struct {
	Prompt         string `json:"prompt"`
	Platform       string `json:"platform"`
	Title          string `json:"title"`
	VariantCount   int    `json:"variantCount"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, userID string) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.CodeInvalidRequest, "request body must be valid JSON"))
		return
	}
	res, err := s.admission.Create(r.Context(), admission.CreateInput{
		UserID:         userID,
		Prompt:         req.Prompt,
		Platform:       req.Platform,
		Title:          req.Title,
		VariantCount:   req.VariantCount,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.logFailure(r, "create admission rejected", err)
		writeError(w, err)
		return
	}
	status := http.StatusAccepted
	if res.Duplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

type regenRequest struct {
	DraftID        string `json:"draftId"`
	RegenType      string `json:"regenType"`
	Changes        string `json:"changes"`
	VariantCount   int    `json:"variantCount"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request, userID string) {
	var req regenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.CodeInvalidRequest, "request body must be valid JSON"))
		return
	}
	res, err := s.admission.Regenerate(r.Context(), admission.RegenInput{
		UserID:         userID,
		DraftID:        req.DraftID,
		RegenType:      req.RegenType,
		Changes:        req.Changes,
		VariantCount:   req.VariantCount,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.logFailure(r, "regenerate admission rejected", err)
		writeError(w, err)
		return
	}
	status := http.StatusAccepted
	if res.Duplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

type variantView struct {
	VariantIndex int             `json:"variantIndex"`
	Content      json.RawMessage `json:"content"`
	VideoURL     string          `json:"videoUrl,omitempty"`
	ThumbnailURL string          `json:"thumbnailUrl,omitempty"`
}

type generationView struct {
	GenerationID        string        `json:"generationId"`
	DraftID             string        `json:"draftId"`
	Status              string        `json:"status"`
	ErrorMessage        string        `json:"errorMessage,omitempty"`
	Variants            []variantView `json:"variants,omitempty"`
	SuggestedIntervalMs int           `json:"suggestedIntervalMs,omitempty"`
	EstimatedWaitMs     int           `json:"estimatedWaitMs,omitempty"`
}

func (s *Server) handleGetGeneration(w http.ResponseWriter, r *http.Request, userID string) {
	gen, err := s.store.Generations.GetOwned(r.Context(), r.PathValue("id"), userID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, apierr.New(apierr.CodeNotFound, "generation not found"))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	view := generationView{
		GenerationID: gen.ID,
		DraftID:      gen.DraftID,
		Status:       gen.Status,
		ErrorMessage: gen.ErrorMessage,
	}
	switch gen.Status {
	case store.StatusPending:
		view.SuggestedIntervalMs = suggestedIntervalMs
		view.EstimatedWaitMs = estimatedWaitMs
	case store.StatusProcessing, store.StatusCompleted:
		variants, err := s.store.Variants.ListByGeneration(r.Context(), gen.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		for _, v := range variants {
			view.Variants = append(view.Variants, variantView{
				VariantIndex: v.VariantIndex,
				Content:      json.RawMessage(v.Content),
				VideoURL:     v.VideoURL,
				ThumbnailURL: v.ThumbnailURL,
			})
		}
		if gen.Status == store.StatusProcessing {
			view.SuggestedIntervalMs = suggestedIntervalMs
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetDraft(w http.ResponseWriter, r *http.Request, userID string) {
	draft, err := s.store.Drafts.GetOwned(r.Context(), r.PathValue("id"), userID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, apierr.New(apierr.CodeNotFound, "draft not found"))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, draftView(draft))
}

type patchDraftRequest struct {
	Title             *string `json:"title"`
	Settings          *string `json:"settings"`
	SelectedVariantID *string `json:"selectedVariantId"`
	IsArchived        *bool   `json:"isArchived"`
}

func (s *Server) handlePatchDraft(w http.ResponseWriter, r *http.Request, userID string) {
	var req patchDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.CodeInvalidRequest, "request body must be valid JSON"))
		return
	}
	draftID := r.PathValue("id")

	if req.Title != nil || req.Settings != nil {
		if err := s.store.Drafts.UpdateMeta(r.Context(), draftID, userID, req.Title, req.Settings); err != nil {
			writeDraftMutationError(w, err)
			return
		}
	}
	if req.SelectedVariantID != nil {
		if err := s.store.Drafts.SelectVariant(r.Context(), draftID, userID, *req.SelectedVariantID); err != nil {
			writeDraftMutationError(w, err)
			return
		}
	}
	if req.IsArchived != nil && *req.IsArchived {
		if err := s.store.Drafts.Archive(r.Context(), draftID, userID); err != nil {
			writeDraftMutationError(w, err)
			return
		}
	}

	draft, err := s.store.Drafts.GetOwned(r.Context(), draftID, userID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, apierr.New(apierr.CodeNotFound, "draft not found"))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, draftView(draft))
}

func writeDraftMutationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, apierr.New(apierr.CodeNotFound, "draft not found"))
	case errors.Is(err, store.ErrVariantMismatch):
		writeError(w, apierr.New(apierr.CodeValidation, "selectedVariantId must reference a variant of this draft"))
	default:
		writeError(w, err)
	}
}

func draftView(d store.Draft) map[string]any {
	return map[string]any{
		"draftId":           d.ID,
		"title":             d.Title,
		"prompt":            d.Prompt,
		"platform":          d.Platform,
		"selectedVariantId": d.SelectedVariantID,
		"isArchived":        d.IsArchived,
		"createdAt":         d.CreatedAt,
		"updatedAt":         d.UpdatedAt,
	}
}

type createAssetRequest struct {
	DraftID   string   `json:"draftId"`
	VariantID string   `json:"variantId"`
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	Platform  string   `json:"platform"`
	Tags      []string `json:"tags"`
}

func (s *Server) handleCreateAsset(w http.ResponseWriter, r *http.Request, userID string) {
	var req createAssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.CodeInvalidRequest, "request body must be valid JSON"))
		return
	}
	tags, _ := json.Marshal(req.Tags)
	now := time.Now().UTC()
	asset := store.Asset{
		ID:        uuid.New().String(),
		OwnerID:   userID,
		DraftID:   req.DraftID,
		VariantID: req.VariantID,
		Title:     req.Title,
		Content:   req.Content,
		Platform:  req.Platform,
		Tags:      string(tags),
		Status:    store.AssetDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Assets.Create(r.Context(), asset); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"assetId": asset.ID})
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request, userID string) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	page, err := s.store.Assets.List(r.Context(), userID, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeError(w, apierr.New(apierr.CodeInvalidRequest, "invalid cursor"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"assets":     page.Assets,
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// handleWorkerGenerate is the bus ingress. Deliveries must carry a valid
// signature unless the process runs in dev mode and the local dispatcher's
// marker header is present.
func (s *Server) handleWorkerGenerate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apierr.New(apierr.CodeInvalidRequest, "unreadable request body"))
		return
	}

	if !(s.devMode && r.Header.Get(queue.HeaderLocalDev) == "true") {
		if s.signer == nil {
			writeError(w, apierr.New(apierr.CodeUnauthorized, "signature verification unavailable"))
			return
		}
		if err := s.signer.Verify(r.Header.Get(queue.HeaderSignature), body); err != nil {
			writeError(w, apierr.New(apierr.CodeUnauthorized, "invalid delivery signature"))
			return
		}
	}

	env, err := queue.DecodeEnvelope(body)
	if err != nil {
		writeError(w, apierr.New(apierr.CodeInvalidRequest, "malformed job envelope"))
		return
	}
	// The remote bus reports redeliveries in a header; trust the larger count.
	if retried, err := strconv.Atoi(r.Header.Get(queue.HeaderRetried)); err == nil && retried > env.RetryCount {
		env.RetryCount = retried
	}

	out := s.worker.Process(r.Context(), env)
	writeJSON(w, out.Status, out)
}

func (s *Server) logFailure(r *http.Request, msg string, err error) {
	obs.LoggerWithRequestID(r.Context(), s.logger).Info(msg,
		"path", r.URL.Path,
		"code", string(apierr.From(err).Code),
		"error", err.Error())
}
