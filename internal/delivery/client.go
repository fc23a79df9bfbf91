// Package delivery integrates the external messaging provider. The pipeline
// only depends on the Client interface; the production implementation speaks
// a WhatsApp Cloud-style HTTP API.
package delivery

import (
	"context"
	"fmt"
	"time"
)

// Message is one outbound message. Exactly one of Text, Image or Template
// is set.
type Message struct {
	// Text is a plain message body, placeholders already substituted.
	Text string

	// Image is a media message: a hosted image plus an optional caption.
	Image *Image

	// Template references a pre-approved provider template, optionally
	// with an image header.
	Template *Template
}

// Image describes a link-hosted image message.
type Image struct {
	URL     string
	Caption string
}

// Template describes a provider-side message template invocation.
type Template struct {
	Name       string
	Language   string
	ImageURL   string
	BodyParams []string
}

// Client sends a single message to one recipient and returns the provider's
// message id. Implementations must be safe for concurrent use; multiple
// operations share one client.
type Client interface {
	Send(ctx context.Context, to string, msg Message) (string, error)
}

// ProviderError is a structured send failure. Code carries the
// provider-supplied error code when present, or a transport-level code.
type ProviderError struct {
	Code       string
	Message    string
	StatusCode int
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider error %s: %s", e.Code, e.Message)
	}
	return "provider error: " + e.Message
}
