package dataapi

import (
	"encoding/json"
	"fmt"

	"vestnik/internal/models"
)

// UserRef normalizes the API's association fields, which arrive either
// as a raw id string or as a populated user object depending on the
// endpoint. Decoding always resolves to the canonical id, keeping the
// embedded profile when one was present.
type UserRef struct {
	ID      string
	Profile *models.UserProfile
}

func (r *UserRef) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &r.ID)
	}

	var obj struct {
		ID          string `json:"id"`
		AltID       string `json:"_id"`
		DisplayName string `json:"displayName"`
		Name        string `json:"name"`
		AvatarURL   string `json:"avatarUrl"`
		Avatar      string `json:"avatar"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("user ref: %w", err)
	}

	r.ID = obj.ID
	if r.ID == "" {
		r.ID = obj.AltID
	}
	name := obj.DisplayName
	if name == "" {
		name = obj.Name
	}
	avatar := obj.AvatarURL
	if avatar == "" {
		avatar = obj.Avatar
	}
	if name != "" || avatar != "" {
		r.Profile = &models.UserProfile{ID: r.ID, DisplayName: name, AvatarURL: avatar}
	}
	return nil
}

func (r UserRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.ID)
}

type apiProfile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

type apiPresence struct {
	User     UserRef               `json:"user"`
	Status   models.PresenceStatus `json:"status"`
	LastSeen int64                 `json:"lastSeen"`
}

type apiMessage struct {
	ID          string                `json:"id"`
	Sender      UserRef               `json:"sender"`
	Content     string                `json:"content"`
	Kind        models.MessageKind    `json:"kind"`
	CreatedAt   int64                 `json:"createdAt"`
	Status      models.DeliveryStatus `json:"status"`
	Attachments []models.Attachment   `json:"attachments,omitempty"`
}

type apiConversation struct {
	ID           string       `json:"id"`
	Participants []UserRef    `json:"participants"`
	IsGroup      bool         `json:"isGroup"`
	Messages     []apiMessage `json:"messages"`
	UnreadCount  int          `json:"unreadCount"`
}
