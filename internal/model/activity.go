package model

// Activity kinds. Preview activities go to the owner's personal chat;
// celebration activities go to a team channel.
const (
	KindPreview     = "preview"
	KindCelebration = "celebration"
)

// ChannelConversationType marks a conversation addressed at a team channel
// (as opposed to a personal chat). Only channel conversations get the
// not-found fallback treatment.
const ChannelConversationType = "channel"

// Conversation addresses an activity.
type Conversation struct {
	ID   string `json:"id"`
	Type string `json:"conversationType,omitempty"`
}

// Mention tags the event owner in an outbound message.
type Mention struct {
	Type      string  `json:"type"` // always "mention"
	Text      string  `json:"text"`
	Mentioned Account `json:"mentioned"`
}

type Account struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Attachment is a rendered message card. Content stays schemaless so the
// activity survives a JSON round trip through the queue.
type Attachment struct {
	ContentType string `json:"contentType"`
	Content     any    `json:"content"`
}

// Activity is one outbound message. It is what the pipeline enqueues and
// the dispatcher delivers; the queue carries it as JSON.
type Activity struct {
	Kind string `json:"kind"`

	Type         string       `json:"type"` // "message"
	ServiceURL   string       `json:"serviceUrl"`
	ChannelID    string       `json:"channelId"`
	FromID       string       `json:"from,omitempty"`
	Conversation Conversation `json:"conversation"`

	// TeamID identifies the owning team for channel conversations.
	// The not-found fallback uses it to look up the default channel.
	TeamID string `json:"teamId,omitempty"`

	Text             string       `json:"text,omitempty"`
	Summary          string       `json:"summary,omitempty"`
	AttachmentLayout string       `json:"attachmentLayout,omitempty"`
	Attachments      []Attachment `json:"attachments,omitempty"`
	Mentions         []Mention    `json:"entities,omitempty"`

	// ReplyToID addresses activity updates (PUT) at a previously sent activity.
	ReplyToID string `json:"replyToId,omitempty"`

	// OccurrenceIDs lists the occurrences this activity celebrates, so the
	// queue consumer can record delivery outcomes per occurrence.
	OccurrenceIDs []string `json:"occurrenceIds,omitempty"`
}

// IsChannel reports whether the activity is addressed at a team channel.
func (a *Activity) IsChannel() bool {
	return a.Conversation.Type == ChannelConversationType
}
