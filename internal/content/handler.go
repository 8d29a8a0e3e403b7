// Package content serves the watch-descriptor, unlock, and wallet-balance
// endpoints: the server half of the credit-gated playback contract. The
// descriptor is the single source of truth for access type; clients never
// infer authorization from identifier shape.
package content

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/reelgate/reelgate/internal/auth"
	"github.com/reelgate/reelgate/internal/database"
	"github.com/reelgate/reelgate/internal/httputil"
	"github.com/reelgate/reelgate/internal/validate"
)

// ObjectStorage issues time-limited playback URLs for stored media.
type ObjectStorage interface {
	GenerateDownloadURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

const playbackURLExpiry = 1 * time.Hour

type Handler struct {
	db      database.DBTX
	storage ObjectStorage
}

func NewHandler(db database.DBTX, storage ObjectStorage) *Handler {
	return &Handler{db: db, storage: storage}
}

type descriptorVideo struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Creator         string `json:"creator"`
	DurationSeconds int    `json:"durationSeconds"`
}

type descriptorResponse struct {
	Success          bool            `json:"success"`
	Video            descriptorVideo `json:"video"`
	HasAccess        bool            `json:"hasAccess"`
	AccessType       string          `json:"accessType"`
	RequiresPurchase bool            `json:"requiresPurchase"`
	UnitCost         int64           `json:"unitCost"`
	ShareToken       string          `json:"shareToken,omitempty"`
	PlaybackURL      string          `json:"playbackUrl,omitempty"`
}

// Descriptor resolves an identifier — canonical video id or share token —
// into the viewer's access descriptor. Authorization is decided here and
// only here.
func (h *Handler) Descriptor(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")
	if msg := validate.Identifier(identifier); msg != "" {
		httputil.WriteError(w, http.StatusBadRequest, msg)
		return
	}

	viewerID := auth.UserIDFromContext(r.Context())

	var (
		videoID        string
		title          string
		duration       int
		unitCost       int64
		fileKey        string
		creatorID      string
		creatorName    string
		shareToken     *string
		shareExpiresAt *time.Time
		unlocked       bool
	)
	err := h.db.QueryRow(r.Context(),
		`SELECT v.id, v.title, v.duration, v.unit_cost, v.file_key, v.creator_id, u.name,
		        v.share_token, v.share_expires_at,
		        (ul.user_id IS NOT NULL) AS unlocked
		 FROM videos v
		 JOIN users u ON u.id = v.creator_id
		 LEFT JOIN unlocks ul ON ul.video_id = v.id AND ul.user_id::text = $2
		 WHERE (v.id::text = $1 OR v.share_token = $1) AND v.status = 'ready'`,
		identifier, viewerID,
	).Scan(&videoID, &title, &duration, &unitCost, &fileKey, &creatorID, &creatorName,
		&shareToken, &shareExpiresAt, &unlocked)
	if errors.Is(err, pgx.ErrNoRows) {
		httputil.WriteError(w, http.StatusNotFound, "video not found")
		return
	}
	if err != nil {
		slog.Error("content: descriptor query failed", "identifier", identifier, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	matchedByToken := shareToken != nil && *shareToken == identifier
	if matchedByToken && shareExpiresAt != nil && time.Now().After(*shareExpiresAt) {
		httputil.WriteError(w, http.StatusGone, "link expired")
		return
	}

	resp := descriptorResponse{
		Success: true,
		Video: descriptorVideo{
			ID:              videoID,
			Title:           title,
			Creator:         creatorName,
			DurationSeconds: duration,
		},
		UnitCost: unitCost,
	}
	if matchedByToken {
		resp.ShareToken = *shareToken
	}

	switch {
	case viewerID != "" && viewerID == creatorID:
		resp.HasAccess = true
		resp.AccessType = "creator_self_access"
	case unlocked:
		resp.HasAccess = true
		resp.AccessType = "owned"
	case unitCost > 0:
		resp.AccessType = "requires_purchase"
		resp.RequiresPurchase = true
	default:
		// Free content. Authenticated viewers are granted outright; guests
		// get hasAccess=false and the client-side allowance decides.
		resp.AccessType = "token_preview"
		resp.HasAccess = viewerID != ""
	}

	// Free content carries a playback URL even without a grant: the guest
	// allowance is a client-side bound, not an authorization boundary.
	if resp.HasAccess || unitCost == 0 {
		url, err := h.storage.GenerateDownloadURL(r.Context(), fileKey, playbackURLExpiry)
		if err != nil {
			slog.Error("content: failed to generate playback URL", "video_id", videoID, "error", err)
			httputil.WriteError(w, http.StatusInternalServerError, "failed to generate video URL")
			return
		}
		resp.PlaybackURL = url
	}

	httputil.WriteJSON(w, http.StatusOK, resp)
}

type unlockSuccessResponse struct {
	Success bool  `json:"success"`
	Balance int64 `json:"balance"`
}

// Unlock charges the viewer for one piece of content, at most once. The
// unlocks primary key is the idempotency key: a replayed request finds the
// existing row and returns success without a second deduction.
func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")
	if msg := validate.Identifier(identifier); msg != "" {
		httputil.WriteError(w, http.StatusBadRequest, msg)
		return
	}
	viewerID := auth.UserIDFromContext(r.Context())

	tx, err := h.db.Begin(r.Context())
	if err != nil {
		slog.Error("content: begin unlock tx failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	defer func() { _ = tx.Rollback(r.Context()) }()

	var videoID, creatorID string
	var unitCost int64
	err = tx.QueryRow(r.Context(),
		`SELECT id, creator_id, unit_cost FROM videos
		 WHERE (id::text = $1 OR share_token = $1) AND status = 'ready'`,
		identifier,
	).Scan(&videoID, &creatorID, &unitCost)
	if errors.Is(err, pgx.ErrNoRows) {
		httputil.WriteError(w, http.StatusNotFound, "video not found")
		return
	}
	if err != nil {
		slog.Error("content: unlock lookup failed", "identifier", identifier, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if unitCost == 0 || creatorID == viewerID {
		httputil.WriteError(w, http.StatusBadRequest, "nothing to unlock")
		return
	}

	var already bool
	err = tx.QueryRow(r.Context(),
		`SELECT EXISTS (SELECT 1 FROM unlocks WHERE user_id = $1 AND video_id = $2)`,
		viewerID, videoID,
	).Scan(&already)
	if err != nil {
		slog.Error("content: unlock existence check failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if already {
		var balance int64
		if err := tx.QueryRow(r.Context(),
			`SELECT balance FROM users WHERE id = $1`, viewerID,
		).Scan(&balance); err != nil {
			slog.Error("content: balance read failed", "error", err)
			httputil.WriteError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, unlockSuccessResponse{Success: true, Balance: balance})
		return
	}

	var newBalance int64
	err = tx.QueryRow(r.Context(),
		`UPDATE users SET balance = balance - $1 WHERE id = $2 AND balance >= $1 RETURNING balance`,
		unitCost, viewerID,
	).Scan(&newBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		var balance int64
		if err := tx.QueryRow(r.Context(),
			`SELECT balance FROM users WHERE id = $1`, viewerID,
		).Scan(&balance); err != nil {
			slog.Error("content: balance read failed", "error", err)
			httputil.WriteError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		httputil.WriteInsufficientCredits(w, unitCost-balance)
		return
	}
	if err != nil {
		slog.Error("content: deduction failed", "video_id", videoID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if _, err := tx.Exec(r.Context(),
		`INSERT INTO unlocks (user_id, video_id, cost) VALUES ($1, $2, $3)`,
		viewerID, videoID, unitCost,
	); err != nil {
		slog.Error("content: unlock insert failed", "video_id", videoID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if err := tx.Commit(r.Context()); err != nil {
		slog.Error("content: unlock commit failed", "video_id", videoID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, unlockSuccessResponse{Success: true, Balance: newBalance})
}

type balanceResponse struct {
	Balance int64 `json:"balance"`
}

// Balance returns the viewer's current credit balance. Never cached.
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	viewerID := auth.UserIDFromContext(r.Context())

	var balance int64
	err := h.db.QueryRow(r.Context(),
		`SELECT balance FROM users WHERE id = $1`, viewerID,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		httputil.WriteError(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		slog.Error("content: balance query failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, balanceResponse{Balance: balance})
}
