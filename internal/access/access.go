// Package access resolves a content identifier into the server-derived
// descriptor that says whether and how the viewer may watch. It performs no
// authorization itself; ownership, creator self-access, and share-token
// validity are all decided server-side.
package access

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/reelgate/reelgate/internal/classify"
)

// AccessType is the server's verdict on how the viewer reaches the content.
type AccessType string

const (
	AccessOwned            AccessType = "owned"
	AccessCreatorSelf      AccessType = "creator_self_access"
	AccessTokenPreview     AccessType = "token_preview"
	AccessRequiresPurchase AccessType = "requires_purchase"
)

// Descriptor is the resolved access record for one piece of content. It is
// fetched per page load and discarded on navigation.
type Descriptor struct {
	ContentID        string
	Title            string
	Creator          string
	DurationSeconds  int
	HasAccess        bool
	AccessType       AccessType
	RequiresPurchase bool
	ShareToken       string
	UnitCost         int64
	PlaybackURL      string
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
	ShareToken       string          `json:"shareToken"`
	UnitCost         int64           `json:"unitCost"`
	PlaybackURL      string          `json:"playbackUrl"`
	Error            string          `json:"error"`
}

// TokenSource supplies the viewer's bearer token, or "" for guests.
type TokenSource func() string

type Resolver struct {
	baseURL string
	token   TokenSource
	http    *http.Client
}

func NewResolver(baseURL string, token TokenSource) *Resolver {
	return &Resolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Resolve fetches the watch descriptor for an identifier. Every failure path
// returns a *classify.Error so callers always see the typed taxonomy.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (*Descriptor, error) {
	if strings.TrimSpace(identifier) == "" {
		return nil, classify.Classify("empty identifier", 0)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.baseURL+"/api/watch-descriptor/"+identifier, nil)
	if err != nil {
		return nil, classify.Classify(err, 0)
	}
	if r.token != nil {
		if tok := r.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, classify.Classify(err, 0)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classify.Classify(readErrorBody(resp.Body), resp.StatusCode)
	}

	var body descriptorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, classify.Classify(err, 0)
	}
	if !body.Success {
		return nil, classify.Classify(body.Error, 0)
	}

	d := &Descriptor{
		ContentID:        body.Video.ID,
		Title:            body.Video.Title,
		Creator:          body.Video.Creator,
		DurationSeconds:  body.Video.DurationSeconds,
		HasAccess:        body.HasAccess,
		AccessType:       AccessType(body.AccessType),
		RequiresPurchase: body.RequiresPurchase,
		ShareToken:       body.ShareToken,
		UnitCost:         body.UnitCost,
		PlaybackURL:      body.PlaybackURL,
	}
	// Granted access never also requires purchase; the grant wins if a
	// backend ever sends both.
	if d.HasAccess {
		d.RequiresPurchase = false
	}
	return d, nil
}

func readErrorBody(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 1024))
	if err != nil {
		return ""
	}
	var parsed struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &parsed) == nil && parsed.Error != "" {
		return parsed.Error
	}
	return string(raw)
}

// CopyFlavor selects whether error and prompt copy talks about "this video"
// or "this link". Presentation hinting only; never an access decision.
type CopyFlavor string

const (
	CopyFlavorVideo CopyFlavor = "video"
	CopyFlavorLink  CopyFlavor = "link"
)

// Identifiers longer than this read like share tokens rather than canonical
// ids. Only consulted when resolution failed before any descriptor existed.
const shareTokenLengthHint = 20

// FlavorFor picks the copy flavor. With a descriptor in hand the share-token
// field is authoritative; without one, fall back to the length heuristic.
func FlavorFor(d *Descriptor, identifier string) CopyFlavor {
	if d != nil {
		if d.ShareToken != "" {
			return CopyFlavorLink
		}
		return CopyFlavorVideo
	}
	if len(identifier) > shareTokenLengthHint {
		return CopyFlavorLink
	}
	return CopyFlavorVideo
}
