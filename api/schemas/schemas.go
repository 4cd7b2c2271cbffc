// Package schemas holds the types and collaborator contracts shared across
// the governance core. Packages under internal/ exchange these types instead
// of importing each other's internals.
package schemas

import (
	"context"
	"time"
)

// ModelTier selects the capability class of the LLM used for a request.
type ModelTier string

const (
	TierFast     ModelTier = "FAST"
	TierPowerful ModelTier = "POWERFUL"
)

// GenerationOptions tunes a single LLM generation call.
type GenerationOptions struct {
	ForceJSONFormat bool
	Temperature     float32
}

// GenerationRequest is the input contract for the LLM collaborator.
type GenerationRequest struct {
	SystemPrompt string
	UserPrompt   string
	Tier         ModelTier
	Options      GenerationOptions
}

// LLMClient is the external language-model collaborator. Implementations must
// return a structured result or an error within a bounded time; the core never
// owns the underlying transport.
type LLMClient interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// NotificationKind categorizes outbound human-facing notifications.
type NotificationKind string

const (
	NotifyApprovalRequested NotificationKind = "APPROVAL_REQUESTED"
	NotifyApprovalResolved  NotificationKind = "APPROVAL_RESOLVED"
	NotifySupervisionAlert  NotificationKind = "SUPERVISION_ALERT"
)

// Notification is the structured payload surfaced to a human channel.
type Notification struct {
	ID          string                 `json:"id"`
	Kind        NotificationKind       `json:"kind"`
	WorkspaceID string                 `json:"workspace_id"`
	Subject     string                 `json:"subject"`
	Body        string                 `json:"body"`
	Data        map[string]interface{} `json:"data,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Notifier is the fire-and-forget notification collaborator. Implementations
// must not block indefinitely; the core treats delivery as best-effort.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
