package dataapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/c-pro/geche"

	"vestnik/internal/content"
	"vestnik/internal/models"
)

// Client talks to the external data API: the request/response
// collaborator holding the authoritative conversation, message, and
// call-history state. The resync path replaces local slices with what
// this client fetches.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *slog.Logger

	profiles geche.Geche[string, models.UserProfile]
}

func New(baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:  baseURL,
		token:    token,
		http:     &http.Client{},
		log:      logger,
		profiles: geche.NewMapCache[string, models.UserProfile](),
	}
}

// Snapshot is the full authoritative state used by resync.
type Snapshot struct {
	Conversations []models.Conversation
	Presence      []models.PresenceRecord
}

// FetchSnapshot retrieves conversations (messages and call records
// included) plus the presence table in one round trip.
func (c *Client) FetchSnapshot(ctx context.Context) (Snapshot, error) {
	var resp struct {
		Conversations []apiConversation `json:"conversations"`
		Presence      []apiPresence     `json:"presence"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/snapshot", nil, &resp); err != nil {
		return Snapshot{}, fmt.Errorf("fetch snapshot: %w", err)
	}

	snap := Snapshot{
		Conversations: make([]models.Conversation, 0, len(resp.Conversations)),
		Presence:      make([]models.PresenceRecord, 0, len(resp.Presence)),
	}
	for _, conv := range resp.Conversations {
		snap.Conversations = append(snap.Conversations, c.normalizeConversation(conv))
	}
	for _, p := range resp.Presence {
		snap.Presence = append(snap.Presence, models.PresenceRecord{
			UserID:   p.User.ID,
			Status:   p.Status,
			LastSeen: p.LastSeen,
		})
	}
	return snap, nil
}

// CreateDirectConversation creates (or returns the existing) 1:1
// conversation with a peer.
func (c *Client) CreateDirectConversation(ctx context.Context, selfID, peerID string) (models.Conversation, error) {
	req := map[string]any{
		"participantIds": []string{selfID, peerID},
		"isGroup":        false,
	}
	var resp apiConversation
	if err := c.do(ctx, http.MethodPost, "/api/conversations", req, &resp); err != nil {
		return models.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return c.normalizeConversation(resp), nil
}

// Profile looks a user profile up, serving repeats from cache.
func (c *Client) Profile(ctx context.Context, userID string) (models.UserProfile, error) {
	if p, err := c.profiles.Get(userID); err == nil {
		return p, nil
	}
	var resp apiProfile
	if err := c.do(ctx, http.MethodGet, "/api/users/"+userID, nil, &resp); err != nil {
		return models.UserProfile{}, fmt.Errorf("fetch profile %s: %w", userID, err)
	}
	p := models.UserProfile{
		ID:          resp.ID,
		DisplayName: content.Sanitize(resp.DisplayName),
		AvatarURL:   resp.AvatarURL,
	}
	c.profiles.Set(userID, p)
	return p, nil
}

// CachedProfile is the synchronous, cache-only lookup used on the event
// dispatch path, where a network round trip must not block.
func (c *Client) CachedProfile(userID string) (models.UserProfile, bool) {
	p, err := c.profiles.Get(userID)
	return p, err == nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// normalizeConversation resolves every association to canonical string
// ids and renders message content once, so nothing past this boundary
// ever sees the API's mixed populated/raw shapes.
func (c *Client) normalizeConversation(conv apiConversation) models.Conversation {
	out := models.Conversation{
		ID:          conv.ID,
		IsGroup:     conv.IsGroup,
		UnreadCount: conv.UnreadCount,
	}
	for _, p := range conv.Participants {
		out.ParticipantIDs = append(out.ParticipantIDs, p.ID)
		c.cacheRef(p)
	}
	for _, m := range conv.Messages {
		c.cacheRef(m.Sender)
		kind := m.Kind
		if kind == "" {
			kind = models.KindText
		}
		status := m.Status
		if status.Rank() < 0 {
			status = models.StatusSent
		}
		out.Messages = append(out.Messages, models.Message{
			ID:             m.ID,
			ConversationID: conv.ID,
			SenderID:       m.Sender.ID,
			Content:        m.Content,
			ContentHTML:    content.Render(m.Content),
			Kind:           kind,
			CreatedAt:      m.CreatedAt,
			Status:         status,
			Attachments:    m.Attachments,
		})
	}
	return out
}

func (c *Client) cacheRef(ref UserRef) {
	if ref.Profile == nil || ref.ID == "" {
		return
	}
	if _, err := c.profiles.Get(ref.ID); err == nil {
		return
	}
	c.profiles.Set(ref.ID, models.UserProfile{
		ID:          ref.ID,
		DisplayName: content.Sanitize(ref.Profile.DisplayName),
		AvatarURL:   ref.Profile.AvatarURL,
	})
}
