// ABOUTME: Channel history read API for the UI collaborator
// ABOUTME: Paginates by message id cursor, newest first

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/2389/fanout-gateway/internal/membership"
	"github.com/2389/fanout-gateway/internal/message"
	"github.com/2389/fanout-gateway/internal/store"
)

// historyResponse is the JSON shape of a history page.
type historyResponse struct {
	ChannelID string             `json:"channel_id"`
	Messages  []*message.Message `json:"messages"`
	// NextBefore is the cursor for the next (older) page, empty when this
	// page is the end of history.
	NextBefore string `json:"next_before,omitempty"`
}

// handleHistory serves GET /api/history?channel_id=...&before_id=...&limit=...
// Messages are returned newest first; before_id pages backward through time.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientID, err := g.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	channelID := r.URL.Query().Get("channel_id")
	if channelID == "" {
		http.Error(w, "channel_id is required", http.StatusBadRequest)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}

	member, err := g.members.IsMember(r.Context(), clientID, channelID)
	switch {
	case errors.Is(err, membership.ErrUnknownChannel):
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	case err != nil:
		g.logger.Warn("membership check failed", "channel_id", channelID, "error", err)
		http.Error(w, "membership unavailable", http.StatusServiceUnavailable)
		return
	case !member:
		http.Error(w, "not a channel member", http.StatusForbidden)
		return
	}

	msgs, err := g.store.History(r.Context(), store.HistoryQuery{
		ChannelID: channelID,
		BeforeID:  r.URL.Query().Get("before_id"),
		Limit:     limit,
	})
	if err != nil {
		g.logger.Error("history query failed", "channel_id", channelID, "error", err)
		http.Error(w, "history unavailable", http.StatusServiceUnavailable)
		return
	}

	resp := historyResponse{ChannelID: channelID, Messages: msgs}
	if len(msgs) > 0 {
		resp.NextBefore = msgs[len(msgs)-1].ID
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		g.logger.Debug("writing history response", "error", err)
	}
}
