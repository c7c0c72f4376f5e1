package chat

import (
	"unicode/utf8"

	"github.com/PaulBabatuyi/chatsync/internal/normalize"
)

const (
	MaxContentLength  = 4000
	MaxAttachmentSize = 25 << 20
)

// ValidateOutgoing checks a draft and normalizes its content in place.
func ValidateOutgoing(o *Outgoing) error {
	if o.ConversationID == "" {
		return &ValidationError{Field: "conversation", Reason: "is required"}
	}
	if o.Kind == "" {
		o.Kind = KindText
	}
	if !o.Kind.Valid() {
		return &ValidationError{Field: "kind", Reason: "unknown kind " + string(o.Kind)}
	}
	o.Content = normalize.Content(o.Content)
	if o.Kind == KindText && o.Content == "" {
		return &ValidationError{Field: "content", Reason: "is empty"}
	}
	if o.Kind != KindText && o.Attachment == nil {
		return &ValidationError{Field: "attachment", Reason: "is required for " + string(o.Kind)}
	}
	if err := ValidateContent(o.Content, o.Kind != KindText); err != nil {
		return err
	}
	if a := o.Attachment; a != nil {
		if a.URL == "" {
			return &ValidationError{Field: "attachment", Reason: "url is required"}
		}
		if a.Size < 0 || a.Size > MaxAttachmentSize {
			return &ValidationError{Field: "attachment", Reason: "exceeds maximum size"}
		}
	}
	return nil
}

// ValidateContent checks message text. Empty text is accepted only when
// allowEmpty is set, as for captionless attachments.
func ValidateContent(content string, allowEmpty bool) error {
	if content == "" && !allowEmpty {
		return &ValidationError{Field: "content", Reason: "is empty"}
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return &ValidationError{Field: "content", Reason: "is too long"}
	}
	return nil
}
