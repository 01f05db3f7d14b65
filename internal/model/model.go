package model

import (
	"strings"
	"time"
)

// Event is a user-owned recurring celebration definition.
// The delivery pipeline never mutates it, except to drop a team id
// when that team stops sharing.
type Event struct {
	ID        string    `json:"id"`
	EventType string    `json:"eventType"` // e.g. "birthday", "anniversary"
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Image     string    `json:"image"`
	Date      time.Time `json:"date"` // reference date; only month/day recur
	MonthDay  string    `json:"monthDay"` // "MMdd", derived from Date
	TimeZone  string    `json:"timeZone"`

	OwnerID     string `json:"ownerId"` // directory object id
	OwnerName   string `json:"ownerName"`
	OwnerChatID string `json:"ownerChatId"` // chat-protocol id used for @mentions

	SharedTeams []string `json:"sharedTeams"`
}

// MonthDayOf formats a date as the "MMdd" pair used for recurrence matching.
func MonthDayOf(t time.Time) string { return t.Format("0102") }

// OccurrenceState tracks an occurrence through the delivery pipeline.
// Stored as an integer; the zero value is Unknown.
type OccurrenceState int

const (
	StateUnknown OccurrenceState = iota
	StateInitial
	StateSkipped
	StateDeleted
	StateDelivering
	StateDelivered
)

func (s OccurrenceState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateSkipped:
		return "skipped"
	case StateDeleted:
		return "deleted"
	case StateDelivering:
		return "delivering"
	case StateDelivered:
		return "delivered"
	default:
		return "unknown"
	}
}

// Occurrence is one calendar-year instantiation of an Event and the unit
// of delivery state tracking. At most one exists per event per year.
type Occurrence struct {
	ID       string          `json:"id"`
	EventID  string          `json:"eventId"`
	Date     time.Time       `json:"date"` // year-adjusted, UTC
	TimeZone string          `json:"timeZone"`
	OwnerID  string          `json:"ownerId"`
	State    OccurrenceState `json:"state"`

	SentDate  time.Time `json:"sentDate,omitzero"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Throttled int       `json:"throttled"`
	Total     int       `json:"total"`
	Expected  int       `json:"expected"`
	Completed bool      `json:"completed"`
	Error     string    `json:"error,omitempty"`
}

// Notification is a transient per-audience delivery fact: one occurrence
// crossed with one of its event's shared teams. Never persisted.
type Notification struct {
	TeamID       string
	OccurrenceID string
	OwnerName    string
	OwnerChatID  string
	EventTitle   string
	EventMessage string
	EventImage   string
}

// Team is a delivery audience. ActiveChannelID overrides the default
// channel; the dispatcher resets it when the channel no longer exists.
type Team struct {
	TeamID          string `json:"teamId"`
	Name            string `json:"name"`
	ServiceURL      string `json:"serviceUrl"`
	TenantID        string `json:"tenantId"`
	ActiveChannelID string `json:"activeChannelId"`
}

// MessageTarget resolves the channel messages should go to: the active
// channel override when set, otherwise the team's default channel.
func (t Team) MessageTarget() string {
	if strings.TrimSpace(t.ActiveChannelID) == "" {
		return t.TeamID
	}
	return t.ActiveChannelID
}

// User holds the owner-side delivery address for preview messages.
type User struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ServiceURL     string `json:"serviceUrl"`
	ConversationID string `json:"conversationId"`
}

// DeliveryStatus classifies a gateway send outcome.
type DeliveryStatus int

const (
	StatusUnknown DeliveryStatus = iota
	StatusSucceeded
	StatusFailed
	StatusThrottled
	StatusNotFound
)

func (s DeliveryStatus) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusThrottled:
		return "throttled"
	case StatusNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}
