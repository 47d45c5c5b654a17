package store

import (
	"path/filepath"
	"testing"

	"vestnik/internal/models"
)

func newTestStore(t *testing.T) *BboltStore {
	t.Helper()
	s, err := NewBboltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)

	convs := []models.Conversation{
		{
			ID:             "c1",
			ParticipantIDs: []string{"u1", "u2"},
			UnreadCount:    2,
			Messages: []models.Message{
				{ID: "m-1", ConversationID: "c1", SenderID: "u2", Content: "hi", Kind: models.KindText, CreatedAt: 100, Status: models.StatusRead},
				{ID: "m-2", ConversationID: "c1", SenderID: "u1", Content: "hello", Kind: models.KindText, CreatedAt: 200, Status: models.StatusDelivered,
					Attachments: []models.Attachment{{Name: "pic.png", MimeType: "image/png", FileID: "f1"}}},
			},
		},
		{ID: "g1", ParticipantIDs: []string{"u1", "u2", "u3"}, IsGroup: true},
	}
	presence := []models.PresenceRecord{
		{UserID: "u2", Status: models.PresenceOnline, LastSeen: 300},
	}

	if err := s.SaveSnapshot(convs, presence); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	gotConvs, gotPresence, err := s.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if len(gotConvs) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(gotConvs))
	}

	var c1 models.Conversation
	for _, c := range gotConvs {
		if c.ID == "c1" {
			c1 = c
		}
	}
	if c1.UnreadCount != 2 || len(c1.Messages) != 2 {
		t.Errorf("c1 did not round-trip: %+v", c1)
	}
	// Key layout keeps messages in timestamp order.
	if c1.Messages[0].ID != "m-1" || c1.Messages[1].ID != "m-2" {
		t.Errorf("messages out of order: %v %v", c1.Messages[0].ID, c1.Messages[1].ID)
	}
	if c1.Messages[1].Attachments[0].MimeType != "image/png" {
		t.Errorf("attachment lost: %+v", c1.Messages[1])
	}

	if len(gotPresence) != 1 || gotPresence[0].UserID != "u2" || gotPresence[0].Status != models.PresenceOnline {
		t.Errorf("presence did not round-trip: %+v", gotPresence)
	}
}

func TestSaveSnapshot_SkipsLocalOnly(t *testing.T) {
	s := newTestStore(t)

	convs := []models.Conversation{{
		ID:             "c1",
		ParticipantIDs: []string{"u1", "u2"},
		Messages: []models.Message{
			{ID: "m-1", ConversationID: "c1", SenderID: "u2", CreatedAt: 100, Status: models.StatusRead},
			{ID: "tmp-1", ConversationID: "c1", SenderID: "u1", CreatedAt: 200, Status: models.StatusPending, LocalOnly: true},
		},
	}}
	if err := s.SaveSnapshot(convs, nil); err != nil {
		t.Fatal(err)
	}

	gotConvs, _, err := s.LoadSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(gotConvs[0].Messages) != 1 || gotConvs[0].Messages[0].ID != "m-1" {
		t.Errorf("local-only messages are not server truth and must not be cached: %+v", gotConvs[0].Messages)
	}
}

func TestSaveSnapshot_Replaces(t *testing.T) {
	s := newTestStore(t)

	_ = s.SaveSnapshot([]models.Conversation{{ID: "old"}}, []models.PresenceRecord{{UserID: "u1"}})
	_ = s.SaveSnapshot([]models.Conversation{{ID: "new"}}, nil)

	convs, presence, err := s.LoadSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].ID != "new" {
		t.Errorf("old snapshot must not survive a replace: %+v", convs)
	}
	if len(presence) != 0 {
		t.Errorf("old presence must not survive: %+v", presence)
	}
}
