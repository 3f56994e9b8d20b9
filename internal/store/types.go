package store

// Message status values. A message moves
// sending -> {sent -> delivered -> read} | failed.
const (
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Conversation represents one thread with a marketplace participant.
type Conversation struct {
	ID                 string
	ParticipantID      string
	ParticipantName    string
	ParticipantType    string // customer, escort
	UnreadCount        int
	IsPinned           bool
	IsArchived         bool
	IsMuted            bool
	MutedUntil         int64 // unix ms; 0 = muted indefinitely or not muted
	IsBlocked          bool
	OnlineStatus       string
	LastMessageAt      int64
	LastMessagePreview string
	CreatedAt          int64
}

// Attachment is one file attached to a message. Attachments are stored
// as a JSON column; the struct is shared with the wire layer.
type Attachment struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Name     string `json:"name"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Reaction is one user's emoji reaction on a message. At most one
// reaction per user per message.
type Reaction struct {
	MsgID     string `json:"-"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Timestamp int64  `json:"timestamp"`
}

// Message represents a synced message. MsgID holds the client-generated
// local id until the server ack replaces it in place with the stable
// server-assigned id.
type Message struct {
	RowID          int64
	ConversationID string
	MsgID          string
	LocalID        string
	SenderID       string
	SenderName     string
	Body           string
	MessageType    string // text, image, video, audio, file, location, system
	Attachments    []Attachment
	Status         string
	IsEdited       bool
	EditedAt       int64
	FromMe         bool
	Timestamp      int64
}

// OutboxEntry represents a pending outgoing message.
type OutboxEntry struct {
	ID             int64
	ClientMsgID    string
	ConversationID string
	Body           string
	MessageType    string
	Attachments    string // JSON-encoded []Attachment
	Status         string // queued, sending, sent, failed
	ErrorMessage   string
	ServerMsgID    string
}
