package bulk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/praveen-singh01/whatsapp-automation/internal/compositor"
	"github.com/praveen-singh01/whatsapp-automation/internal/delivery"
	"github.com/praveen-singh01/whatsapp-automation/internal/directory"
)

// ValidationError reports malformed request fields. No operation record
// exists when this is returned.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// NoRecipientsError means the resolver returned an empty set. The operation
// record still exists (completed, zero-result) and is queryable.
type NoRecipientsError struct {
	Roles []directory.Role
}

func (e *NoRecipientsError) Error() string {
	names := make([]string, len(e.Roles))
	for i, r := range e.Roles {
		names[i] = string(r)
	}
	return "no recipients found for roles: " + strings.Join(names, ", ")
}

// NotFoundError is returned by status queries for unknown operation ids.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string { return "operation not found: " + e.ID }

// BulkOperationError wraps orchestration-level failures outside the
// per-recipient loop. The whole operation is marked failed when one occurs.
type BulkOperationError struct {
	OperationID string
	Provider    bool
	RetryAfter  time.Duration
	Err         error
}

func (e *BulkOperationError) Error() string {
	kind := "internal"
	if e.Provider {
		kind = "provider"
	}
	if e.OperationID == "" {
		return fmt.Sprintf("bulk operation failed (%s): %v", kind, e.Err)
	}
	return fmt.Sprintf("bulk operation %s failed (%s): %v", e.OperationID, kind, e.Err)
}

func (e *BulkOperationError) Unwrap() error { return e.Err }

func newOperationError(opID string, err error) *BulkOperationError {
	oe := &BulkOperationError{OperationID: opID, Err: err}
	var pe *delivery.ProviderError
	if errors.As(err, &pe) {
		oe.Provider = true
		oe.RetryAfter = pe.RetryAfter
	}
	return oe
}

// errorCode maps a per-recipient failure to its stable code: the provider's
// code when present, else a transport/pipeline code, else UNKNOWN_ERROR.
func errorCode(err error) string {
	var pe *delivery.ProviderError
	if errors.As(err, &pe) {
		if pe.Code != "" {
			return pe.Code
		}
		return "PROVIDER_ERROR"
	}
	var fe *compositor.FetchError
	switch {
	case errors.As(err, &fe):
		return "FETCH_ERROR"
	case errors.Is(err, compositor.ErrImageDecode):
		return "IMAGE_DECODE_ERROR"
	case errors.Is(err, compositor.ErrComposition):
		return "COMPOSITION_ERROR"
	case errors.Is(err, context.DeadlineExceeded):
		return "TIMEOUT"
	}
	return "UNKNOWN_ERROR"
}
