package store

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"vestnik/internal/models"
)

var (
	bucketConversations = []byte("conversations")
	bucketMessages      = []byte("messages")
	bucketPresence      = []byte("presence")
)

// BboltStore caches the last known engine state in an embedded bbolt
// file. It seeds the in-memory state before the first connect and is
// rewritten wholesale on every resync; the data API stays the source
// of truth.
type BboltStore struct {
	db *bbolt.DB
}

func NewBboltStore(path string) (*BboltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketConversations, bucketMessages, bucketPresence} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStore{db: db}, nil
}

func (s *BboltStore) Close() error {
	return s.db.Close()
}

// SaveSnapshot replaces the cached state with the given one, in a
// single transaction.
func (s *BboltStore) SaveSnapshot(convs []models.Conversation, presence []models.PresenceRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketConversations, bucketMessages, bucketPresence} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}

		cb := tx.Bucket(bucketConversations)
		mb := tx.Bucket(bucketMessages)
		for _, conv := range convs {
			dbConv := &DBConversation{
				ID:             conv.ID,
				ParticipantIDs: conv.ParticipantIDs,
				IsGroup:        conv.IsGroup,
				UnreadCount:    conv.UnreadCount,
			}
			data, err := dbConv.MarshalBinary()
			if err != nil {
				return err
			}
			if err := cb.Put(dbConv.Key(), data); err != nil {
				return err
			}

			for _, msg := range conv.Messages {
				if msg.LocalOnly {
					// Unacknowledged optimistic writes are not server
					// truth; they live in memory only.
					continue
				}
				dbMsg := toDBMessage(msg)
				data, err := dbMsg.MarshalBinary()
				if err != nil {
					return err
				}
				if err := mb.Put(dbMsg.Key(), data); err != nil {
					return err
				}
			}
		}

		pb := tx.Bucket(bucketPresence)
		for _, rec := range presence {
			dbPres := &DBPresence{
				UserID:   rec.UserID,
				Status:   string(rec.Status),
				LastSeen: rec.LastSeen,
			}
			data, err := dbPres.MarshalBinary()
			if err != nil {
				return err
			}
			if err := pb.Put(dbPres.Key(), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadSnapshot reads the cached state back, messages already in
// display order thanks to the key layout.
func (s *BboltStore) LoadSnapshot() ([]models.Conversation, []models.PresenceRecord, error) {
	var convs []models.Conversation
	var presence []models.PresenceRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		byID := make(map[string]*models.Conversation)

		cb := tx.Bucket(bucketConversations)
		if err := cb.ForEach(func(k, v []byte) error {
			var dbConv DBConversation
			if err := dbConv.UnmarshalBinary(v); err != nil {
				return err
			}
			byID[dbConv.ID] = &models.Conversation{
				ID:             dbConv.ID,
				ParticipantIDs: dbConv.ParticipantIDs,
				IsGroup:        dbConv.IsGroup,
				UnreadCount:    dbConv.UnreadCount,
			}
			return nil
		}); err != nil {
			return err
		}

		mb := tx.Bucket(bucketMessages)
		if err := mb.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			conv, ok := byID[dbMsg.ConversationID]
			if !ok {
				return nil
			}
			conv.Messages = append(conv.Messages, fromDBMessage(dbMsg))
			return nil
		}); err != nil {
			return err
		}

		for _, conv := range byID {
			convs = append(convs, *conv)
		}

		pb := tx.Bucket(bucketPresence)
		return pb.ForEach(func(k, v []byte) error {
			var dbPres DBPresence
			if err := dbPres.UnmarshalBinary(v); err != nil {
				return err
			}
			presence = append(presence, models.PresenceRecord{
				UserID:   dbPres.UserID,
				Status:   models.PresenceStatus(dbPres.Status),
				LastSeen: dbPres.LastSeen,
			})
			return nil
		})
	})
	if err != nil {
		return nil, nil, err
	}
	return convs, presence, nil
}

func toDBMessage(msg models.Message) *DBMessage {
	dbMsg := &DBMessage{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		ContentHTML:    msg.ContentHTML,
		Kind:           string(msg.Kind),
		CreatedAt:      msg.CreatedAt,
		Status:         string(msg.Status),
		Edited:         msg.Edited,
		Deleted:        msg.Deleted,
	}
	for _, a := range msg.Attachments {
		dbMsg.Attachments = append(dbMsg.Attachments, DBAttachment(a))
	}
	return dbMsg
}

func fromDBMessage(dbMsg DBMessage) models.Message {
	msg := models.Message{
		ID:             dbMsg.ID,
		ConversationID: dbMsg.ConversationID,
		SenderID:       dbMsg.SenderID,
		Content:        dbMsg.Content,
		ContentHTML:    dbMsg.ContentHTML,
		Kind:           models.MessageKind(dbMsg.Kind),
		CreatedAt:      dbMsg.CreatedAt,
		Status:         models.DeliveryStatus(dbMsg.Status),
		Edited:         dbMsg.Edited,
		Deleted:        dbMsg.Deleted,
	}
	for _, a := range dbMsg.Attachments {
		msg.Attachments = append(msg.Attachments, models.Attachment(a))
	}
	return msg
}
