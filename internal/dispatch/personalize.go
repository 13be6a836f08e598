// internal/dispatch/personalize.go
package dispatch

import (
	"regexp"
	"strings"

	"github.com/pagereach/chatflow-backend/internal/model"
)

// Tokens look like {{first_name}} or {{first_name|there}}. Names are
// case-insensitive; unresolved tokens fall back to the fallback text or
// empty string.
var tokenPattern = regexp.MustCompile(`\{\{\s*([^}|]+?)\s*(?:\|([^}]*))?\}\}`)

func lookupToken(token string, contact *model.Contact, page *model.Page) string {
	switch strings.ToLower(token) {
	case "first_name":
		return contact.FirstName
	case "last_name":
		return contact.LastName
	case "full_name":
		return contact.FullName()
	case "page_name":
		if page != nil {
			return page.Name
		}
		return ""
	}
	for k, v := range contact.CustomFields {
		if strings.EqualFold(k, token) {
			return v
		}
	}
	return ""
}

// RenderText substitutes every token in text for the given contact and page.
func RenderText(text string, contact *model.Contact, page *model.Page) string {
	return tokenPattern.ReplaceAllStringFunc(text, func(match string) string {
		groups := tokenPattern.FindStringSubmatch(match)
		token := groups[1]
		fallback := groups[2]

		if v := lookupToken(token, contact, page); v != "" {
			return v
		}
		return fallback
	})
}

// RenderContent personalizes every visible field of a message: text,
// buttons, quick replies and carousel cards. The input is not mutated.
func RenderContent(c model.MessageContent, contact *model.Contact, page *model.Page) model.MessageContent {
	out := model.MessageContent{Text: RenderText(c.Text, contact, page)}

	if len(c.Buttons) > 0 {
		out.Buttons = renderButtons(c.Buttons, contact, page)
	}
	if len(c.QuickReplies) > 0 {
		out.QuickReplies = make([]model.QuickReply, len(c.QuickReplies))
		for i, qr := range c.QuickReplies {
			out.QuickReplies[i] = model.QuickReply{
				Title:   RenderText(qr.Title, contact, page),
				Payload: qr.Payload,
			}
		}
	}
	if len(c.Cards) > 0 {
		out.Cards = make([]model.Card, len(c.Cards))
		for i, card := range c.Cards {
			out.Cards[i] = model.Card{
				Title:    RenderText(card.Title, contact, page),
				Subtitle: RenderText(card.Subtitle, contact, page),
				ImageURL: card.ImageURL,
				Buttons:  renderButtons(card.Buttons, contact, page),
			}
		}
	}
	return out
}

func renderButtons(buttons []model.Button, contact *model.Contact, page *model.Page) []model.Button {
	if len(buttons) == 0 {
		return nil
	}
	out := make([]model.Button, len(buttons))
	for i, b := range buttons {
		out[i] = model.Button{
			Title: RenderText(b.Title, contact, page),
			URL:   RenderText(b.URL, contact, page),
		}
	}
	return out
}
