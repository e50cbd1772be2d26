package gmail

import (
	"encoding/base64"
	"time"

	"google.golang.org/api/gmail/v1"

	"go.withmatt.com/mailsync/internal/mail"
)

// GmailToItem converts a Gmail API message fetched in metadata format to a
// collection item.
func GmailToItem(msg *gmail.Message) mail.Item {
	item := mail.Item{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Labels:   mail.NewLabels(msg.LabelIds...),
		Date:     time.UnixMilli(msg.InternalDate).UTC(),
		Snippet:  msg.Snippet,
	}
	if msg.Payload != nil {
		for _, header := range msg.Payload.Headers {
			switch header.Name {
			case "Subject":
				item.Subject = header.Value
			case "From":
				item.From = header.Value
			}
		}
	}
	return item
}

// GmailToMessage converts a Gmail API message to our Message type
func GmailToMessage(msg *gmail.Message) mail.Message {
	message := mail.Message{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Snippet:  msg.Snippet,
		Date:     time.UnixMilli(msg.InternalDate).UTC(),
		Labels:   mail.NewLabels(msg.LabelIds...),
	}

	if msg.Payload != nil {
		// Extract headers
		for _, header := range msg.Payload.Headers {
			switch header.Name {
			case "From":
				message.From = header.Value
			case "To":
				message.To = header.Value
			case "Cc":
				message.Cc = header.Value
			case "Subject":
				message.Subject = header.Value
			}
		}

		message.BodyText, message.BodyHTML = extractBody(msg.Payload)
	}

	return message
}

// extractBody walks the MIME parts and returns the first text and HTML
// bodies. Attachment parts are skipped.
func extractBody(payload *gmail.MessagePart) (text string, html string) {
	if payload.Filename != "" {
		return
	}

	if payload.Body != nil && payload.Body.Data != "" {
		decoded, err := base64.URLEncoding.DecodeString(payload.Body.Data)
		if err != nil {
			decoded, err = base64.RawURLEncoding.DecodeString(payload.Body.Data)
		}
		if err == nil {
			switch payload.MimeType {
			case "text/plain":
				text = string(decoded)
			case "text/html":
				html = string(decoded)
			}
		}
	}

	// Recursively process parts
	for _, part := range payload.Parts {
		partText, partHTML := extractBody(part)
		if partText != "" && text == "" {
			text = partText
		}
		if partHTML != "" && html == "" {
			html = partHTML
		}
	}

	return
}
