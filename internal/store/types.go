package store

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBConversation struct {
	ID             string   `msgpack:"id"`
	ParticipantIDs []string `msgpack:"participantIds"`
	IsGroup        bool     `msgpack:"isGroup"`
	UnreadCount    int      `msgpack:"unreadCount"`
}

func (c *DBConversation) Key() []byte {
	return []byte(c.ID)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBAttachment struct {
	Name     string `msgpack:"name"`
	MimeType string `msgpack:"mimeType"`
	FileID   string `msgpack:"fileId"`
}

type DBMessage struct {
	ID             string         `msgpack:"id"`
	ConversationID string         `msgpack:"conversationId"`
	SenderID       string         `msgpack:"senderId"`
	Content        string         `msgpack:"content"`
	ContentHTML    string         `msgpack:"contentHtml"`
	Kind           string         `msgpack:"kind"`
	CreatedAt      int64          `msgpack:"createdAt"`
	Status         string         `msgpack:"status"`
	Edited         bool           `msgpack:"edited"`
	Deleted        bool           `msgpack:"deleted"`
	Attachments    []DBAttachment `msgpack:"attachments"`
}

// Key orders messages by conversation, then timestamp, then id, so a
// prefix scan over one conversation walks them in display order.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 0, len(m.ConversationID)+1+8+1+len(m.ID))
	key = append(key, m.ConversationID...)
	key = append(key, 0)
	key = binary.BigEndian.AppendUint64(key, uint64(m.CreatedAt))
	key = append(key, 0)
	key = append(key, m.ID...)
	return key
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBPresence struct {
	UserID   string `msgpack:"userId"`
	Status   string `msgpack:"status"`
	LastSeen int64  `msgpack:"lastSeen"`
}

func (p *DBPresence) Key() []byte {
	return []byte(p.UserID)
}

func (p *DBPresence) MarshalBinary() (data []byte, err error) {
	type alias DBPresence
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPresence) UnmarshalBinary(data []byte) error {
	type alias DBPresence
	return msgpack.Unmarshal(data, (*alias)(p))
}
