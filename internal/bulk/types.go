// Package bulk implements the bulk-send operation pipeline: fan-out over a
// resolved recipient set, per-recipient image personalization, asset upload,
// provider dispatch, partial-failure accounting, and operation persistence.
package bulk

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/praveen-singh01/whatsapp-automation/internal/directory"
	"github.com/praveen-singh01/whatsapp-automation/internal/position"
)

// MaxMessageLen bounds the request message body, counted in characters.
const MaxMessageLen = 1000

type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusProcessing OperationStatus = "processing"
	StatusCompleted  OperationStatus = "completed"
	StatusFailed     OperationStatus = "failed"
)

type ResultStatus string

const (
	ResultPending   ResultStatus = "pending"
	ResultSuccess   ResultStatus = "success"
	ResultFailed    ResultStatus = "failed"
	ResultDelivered ResultStatus = "delivered"
	ResultRead      ResultStatus = "read"
)

// Summary aggregates per-recipient outcomes. The counters satisfy
// success+failure+pending == total at every persisted state.
type Summary struct {
	TotalTargeted    int   `json:"total_targeted"`
	SuccessCount     int   `json:"success_count"`
	FailureCount     int   `json:"failure_count"`
	PendingCount     int   `json:"pending_count"`
	ProcessingTimeMs int64 `json:"processing_time_ms"`
}

// DeliveryResult records one recipient's outcome within an operation.
// Append-only; after the attempt completes only status-callback transitions
// (delivered/read, keyed by provider message id) may touch it.
type DeliveryResult struct {
	RecipientID       string         `json:"recipient_id"`
	Name              string         `json:"name"`
	Phone             string         `json:"phone"`
	Role              directory.Role `json:"role"`
	Status            ResultStatus   `json:"status"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	Error             string         `json:"error,omitempty"`
	ErrorCode         string         `json:"error_code,omitempty"`
	AttemptedAt       *time.Time     `json:"attempted_at,omitempty"`
	DeliveredAt       *time.Time     `json:"delivered_at,omitempty"`
	ReadAt            *time.Time     `json:"read_at,omitempty"`
	ImageURL          string         `json:"image_url,omitempty"`
}

// Operation is one bulk-send request's full lifecycle record. It is owned
// exclusively by the goroutine driving the operation until persisted, and is
// immutable once Status reaches a terminal value.
type Operation struct {
	ID           string           `json:"operation_id"`
	Status       OperationStatus  `json:"status"`
	Roles        []directory.Role `json:"targeted_roles"`
	MessageBody  string           `json:"message_content"`
	TemplateName string           `json:"template_name,omitempty"`
	Personalize  bool             `json:"include_user_image"`
	Summary      Summary          `json:"summary"`
	Results      []DeliveryResult `json:"results"`
	CreatedAt    time.Time        `json:"created_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers can hand records out without
// aliasing the orchestrator's working state.
func (o *Operation) Clone() *Operation {
	if o == nil {
		return nil
	}
	cp := *o
	cp.Roles = append([]directory.Role(nil), o.Roles...)
	cp.Results = append([]DeliveryResult(nil), o.Results...)
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		cp.CompletedAt = &t
	}
	for i := range cp.Results {
		cp.Results[i].AttemptedAt = copyTime(cp.Results[i].AttemptedAt)
		cp.Results[i].DeliveredAt = copyTime(cp.Results[i].DeliveredAt)
		cp.Results[i].ReadAt = copyTime(cp.Results[i].ReadAt)
	}
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// Request is a validated bulk-send submission.
type Request struct {
	Roles        []directory.Role    `json:"target_roles"`
	MessageBody  string              `json:"message_content"`
	TemplateName string              `json:"template_name,omitempty"`
	Personalize  bool                `json:"include_user_image,omitempty"`
	Position     *position.Spec      `json:"user_image_position,omitempty"`
	TextStyle    *position.TextStyle `json:"text_config,omitempty"`

	// Poster is the shared base image uploaded out-of-band (multipart).
	Poster []byte `json:"-"`
}

// Validate applies the fail-fast request checks. No side effect may happen
// before it passes.
func (r *Request) Validate() error {
	fields := map[string]string{}

	if len(r.Roles) == 0 {
		fields["target_roles"] = "at least one target role is required"
	}
	for _, role := range r.Roles {
		if !directory.ValidRole(role) {
			fields["target_roles"] = "unknown role: " + string(role)
			break
		}
	}

	body := strings.TrimSpace(r.MessageBody)
	switch {
	case body == "":
		fields["message_content"] = "message content is required"
	case utf8.RuneCountInString(r.MessageBody) > MaxMessageLen:
		fields["message_content"] = "message content exceeds 1000 characters"
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// OperationStore is the persistence boundary the orchestrator writes through.
// Implementations live in internal/storage and must be safe for use by
// concurrently running operations.
type OperationStore interface {
	CreateOperation(ctx context.Context, op *Operation) error
	UpdateOperation(ctx context.Context, op *Operation) error
	GetOperation(ctx context.Context, id string) (*Operation, error)

	// ApplyStatusEvent folds a provider delivery/read callback into the
	// matching result, keyed by provider message id.
	ApplyStatusEvent(ctx context.Context, providerMessageID string, status ResultStatus, at time.Time) error
}
