// Package cards renders the attachment payloads carried by outbound
// activities. Cards are plain structs serialized by the gateway; they
// round-trip through the outbox as schemaless JSON.
package cards

import (
	"time"

	"celebot/internal/model"
)

// HeroCardContentType is the attachment content type for hero cards.
const HeroCardContentType = "application/vnd.microsoft.card.hero"

// CarouselLayout lays multiple attachments out side by side.
const CarouselLayout = "carousel"

// MessageBackAction posts the action's value back to the bot when the
// button is tapped.
const MessageBackAction = "messageBack"

// SkipActionName identifies a skip message-back payload on the inbound
// side.
const SkipActionName = "skipOccurrence"

type HeroCard struct {
	Title    string       `json:"title,omitempty"`
	Subtitle string       `json:"subtitle,omitempty"`
	Text     string       `json:"text,omitempty"`
	Images   []Image      `json:"images,omitempty"`
	Buttons  []CardAction `json:"buttons,omitempty"`
}

type Image struct {
	URL string `json:"url"`
	Alt string `json:"alt,omitempty"`
}

type CardAction struct {
	Type  string `json:"type"`
	Title string `json:"title"`
	Text  string `json:"text,omitempty"`
	Value any    `json:"value,omitempty"`
}

// SkipPayload is the message-back value of a preview card's skip
// button; it carries the occurrence the owner wants to sit out.
type SkipPayload struct {
	Action       string `json:"action"`
	OccurrenceID string `json:"occurrenceId"`
}

// EventCard renders one celebration as a hero card.
func EventCard(n model.Notification) model.Attachment {
	card := HeroCard{
		Title:    n.EventTitle,
		Subtitle: n.OwnerName,
		Text:     n.EventMessage,
	}
	if n.EventImage != "" {
		card.Images = []Image{{URL: n.EventImage, Alt: n.EventTitle}}
	}
	return model.Attachment{ContentType: HeroCardContentType, Content: card}
}

// PreviewCard renders the upcoming-event reminder sent to the owner.
// Doing nothing lets the event go out as planned; the skip button posts
// the occurrence id back so this year's delivery can be declined.
func PreviewCard(ev model.Event, occurrenceID string, occurrenceDate time.Time) model.Attachment {
	card := HeroCard{
		Title:    ev.Title,
		Subtitle: occurrenceDate.Format("Monday, January 2"),
		Text:     ev.Message,
		Buttons: []CardAction{{
			Type:  MessageBackAction,
			Title: "Skip this year",
			Text:  "skip",
			Value: SkipPayload{
				Action:       SkipActionName,
				OccurrenceID: occurrenceID,
			},
		}},
	}
	if ev.Image != "" {
		card.Images = []Image{{URL: ev.Image, Alt: ev.Title}}
	}
	return model.Attachment{ContentType: HeroCardContentType, Content: card}
}
