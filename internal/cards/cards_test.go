package cards

import (
	"testing"
	"time"

	"celebot/internal/model"
)

func TestEventCard(t *testing.T) {
	att := EventCard(model.Notification{
		OwnerName:    "Alex",
		EventTitle:   "Alex's birthday",
		EventMessage: "Wish Alex well!",
		EventImage:   "https://cdn.example.com/cake.png",
	})
	if att.ContentType != HeroCardContentType {
		t.Fatalf("content type = %q", att.ContentType)
	}
	card, ok := att.Content.(HeroCard)
	if !ok {
		t.Fatalf("content is %T", att.Content)
	}
	if card.Title != "Alex's birthday" || card.Subtitle != "Alex" {
		t.Fatalf("card = %+v", card)
	}
	if len(card.Images) != 1 || card.Images[0].URL != "https://cdn.example.com/cake.png" {
		t.Fatalf("images = %+v", card.Images)
	}
}

func TestPreviewCardWithoutImage(t *testing.T) {
	ev := model.Event{Title: "Work anniversary", Message: "Five years!"}
	att := PreviewCard(ev, "occ-1", time.Date(2025, time.March, 14, 0, 0, 0, 0, time.UTC))
	card := att.Content.(HeroCard)
	if card.Subtitle != "Friday, March 14" {
		t.Fatalf("subtitle = %q", card.Subtitle)
	}
	if len(card.Images) != 0 {
		t.Fatalf("expected no images, got %+v", card.Images)
	}
}

func TestPreviewCardCarriesSkipAction(t *testing.T) {
	ev := model.Event{Title: "Work anniversary"}
	att := PreviewCard(ev, "occ-42", time.Date(2025, time.March, 14, 0, 0, 0, 0, time.UTC))
	card := att.Content.(HeroCard)
	if len(card.Buttons) != 1 {
		t.Fatalf("buttons = %+v, want one skip action", card.Buttons)
	}
	btn := card.Buttons[0]
	if btn.Type != MessageBackAction {
		t.Fatalf("button type = %q", btn.Type)
	}
	payload, ok := btn.Value.(SkipPayload)
	if !ok {
		t.Fatalf("button value is %T", btn.Value)
	}
	if payload.Action != SkipActionName || payload.OccurrenceID != "occ-42" {
		t.Fatalf("payload = %+v", payload)
	}
}
