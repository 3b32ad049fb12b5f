package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/starford/annocollab/internal/apperr"
	"github.com/starford/annocollab/internal/backend"
	"github.com/starford/annocollab/internal/models"
)

const maxChangeBody = 64 << 20

// Handler holds API route handlers.
type Handler struct {
	svc *Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func userOf(r *http.Request) User {
	return User{
		Token: r.Header.Get(backend.HeaderUserToken),
		Name:  r.Header.Get(backend.HeaderUserName),
	}
}

func setSequence(w http.ResponseWriter, seq int64) {
	w.Header().Set(backend.HeaderChannelSequence, strconv.FormatInt(seq, 10))
}

// SubmitChange handles POST /api/changes.
//
//	@Summary		Submit a change
//	@Tags			changes
//	@Accept			json
//	@Produce		json
//	@Param			X-User-Token	header		string	false	"Author token"
//	@Param			X-User-Name		header		string	false	"Author display name"
//	@Success		200				{object}	backend.SubmitResponse
//	@Failure		404,409,422		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/changes [post]
func (h *Handler) SubmitChange(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxChangeBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read body"))
		return
	}
	resp, err := h.svc.Submit(r.Context(), body, userOf(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListChanges handles GET /api/changes.
//
//	@Summary		Changes of a channel after a sequence number
//	@Tags			changes
//	@Produce		json
//	@Param			channel	query		string	true	"Channel name"
//	@Param			since	query		int		false	"Last sequence already seen"
//	@Param			limit	query		int		false	"Page size"
//	@Success		200		{array}		push.Message
//	@Security		BearerAuth
//	@Router			/changes [get]
func (h *Handler) ListChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	channel := q.Get("channel")
	if channel == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'channel' is required"))
		return
	}
	since, _ := strconv.ParseInt(q.Get("since"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))
	msgs, err := h.svc.Changes(r.Context(), channel, since, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// ListAssemblies handles GET /api/assemblies.
//
//	@Summary		List assemblies
//	@Tags			assemblies
//	@Produce		json
//	@Success		200	{array}	models.AssemblySnapshot
//	@Security		BearerAuth
//	@Router			/assemblies [get]
func (h *Handler) ListAssemblies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Assemblies())
}

// ListRefSeqs handles GET /api/refSeqs.
//
//	@Summary		RefSeqs of an assembly
//	@Tags			refSeqs
//	@Produce		json
//	@Param			assembly	query		string	true	"Assembly id"
//	@Success		200			{array}		models.RefSeqSnapshot
//	@Header			200			{int}		X-Channel-Sequence	"Last COMMON sequence"
//	@Security		BearerAuth
//	@Router			/refSeqs [get]
func (h *Handler) ListRefSeqs(w http.ResponseWriter, r *http.Request) {
	assembly := r.URL.Query().Get("assembly")
	if assembly == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'assembly' is required"))
		return
	}
	refs, seq, err := h.svc.RefSeqs(r.Context(), assembly)
	if err != nil {
		writeError(w, err)
		return
	}
	setSequence(w, seq)
	writeJSON(w, http.StatusOK, refs)
}

// GetSequence handles GET /api/refSeqs/getSequence.
//
//	@Summary		Bases of a region
//	@Tags			refSeqs
//	@Produce		plain
//	@Param			refSeq	query		string	true	"RefSeq id"
//	@Param			start	query		int		false	"Start (0-based)"
//	@Param			end		query		int		false	"End (exclusive)"
//	@Success		200		{string}	string
//	@Security		BearerAuth
//	@Router			/refSeqs/getSequence [get]
func (h *Handler) GetSequence(w http.ResponseWriter, r *http.Request) {
	region, err := h.region(r)
	if err != nil {
		writeError(w, err)
		return
	}
	chunk, err := h.svc.Sequence(region)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, chunk.Seq)
}

// GetFeatures handles GET /api/features/getFeatures.
//
//	@Summary		Top-level features overlapping a region
//	@Tags			features
//	@Produce		json
//	@Param			refSeq	query		string	true	"RefSeq id"
//	@Param			start	query		int		false	"Start (0-based)"
//	@Param			end		query		int		false	"End (exclusive)"
//	@Success		200		{array}		models.FeatureSnapshot
//	@Header			200		{int}		X-Channel-Sequence	"Last sequence of the region's channel"
//	@Security		BearerAuth
//	@Router			/features/getFeatures [get]
func (h *Handler) GetFeatures(w http.ResponseWriter, r *http.Request) {
	region, err := h.region(r)
	if err != nil {
		writeError(w, err)
		return
	}
	feats, seq, err := h.svc.Features(r.Context(), region)
	if err != nil {
		writeError(w, err)
		return
	}
	setSequence(w, seq)
	writeJSON(w, http.StatusOK, feats)
}

// region reads refSeq, start and end. A missing end means the whole refSeq.
func (h *Handler) region(r *http.Request) (models.Region, error) {
	q := r.URL.Query()
	region := models.Region{RefSeq: q.Get("refSeq")}
	if region.RefSeq == "" {
		return region, fmt.Errorf("server: %w", apperr.Domainf("query parameter 'refSeq' is required"))
	}
	var err error
	if v := q.Get("start"); v != "" {
		if region.Start, err = strconv.ParseInt(v, 10, 64); err != nil {
			return region, fmt.Errorf("server: %w", apperr.Domainf("bad start %q", v))
		}
	}
	if v := q.Get("end"); v != "" {
		if region.End, err = strconv.ParseInt(v, 10, 64); err != nil {
			return region, fmt.Errorf("server: %w", apperr.Domainf("bad end %q", v))
		}
	}
	if ref, ok := h.svc.store.RefSeq(region.RefSeq); ok {
		region.Assembly = ref.Assembly
		if region.End <= 0 {
			region.End = ref.Length
		}
	}
	return region, nil
}
