// Package notify surfaces structured payloads to human channels. A registry
// maps platform names to adapters so the caller never couples to a concrete
// transport; outbound sends are rate limited so approval floods cannot
// hammer a chat channel.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/atomhq/atom-core/api/schemas"
)

// PlatformAdapter is the per-platform delivery contract. Send pushes a
// payload out; Receive drains any inbound responses the platform buffered;
// Media resolves an attachment reference to raw bytes.
type PlatformAdapter interface {
	Send(ctx context.Context, n schemas.Notification) error
	Receive(ctx context.Context) ([]schemas.Notification, error)
	Media(ctx context.Context, ref string) ([]byte, error)
}

// Registry resolves platform names to adapters at registration time.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]PlatformAdapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]PlatformAdapter)}
}

// Register binds an adapter to a platform name, replacing any previous one.
func (r *Registry) Register(platform string, a PlatformAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[platform] = a
}

// Resolve returns the adapter for a platform.
func (r *Registry) Resolve(platform string) (PlatformAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[platform]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for platform %q", platform)
	}
	return a, nil
}

// Service implements schemas.Notifier on top of a registry and a token
// bucket. Delivery is best-effort: errors are returned for logging but the
// caller is expected to treat them as non-fatal.
type Service struct {
	logger   *zap.Logger
	registry *Registry
	platform string
	limiter  *rate.Limiter
}

// NewService creates a notifier bound to one platform in the registry.
func NewService(logger *zap.Logger, registry *Registry, platform string, perSec float64, burst int) *Service {
	if perSec <= 0 {
		perSec = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &Service{
		logger:   logger.Named("notify"),
		registry: registry,
		platform: platform,
		limiter:  rate.NewLimiter(rate.Limit(perSec), burst),
	}
}

// Notify delivers the payload through the configured platform adapter,
// waiting for rate-limit headroom but never past the context deadline.
func (s *Service) Notify(ctx context.Context, n schemas.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	adapter, err := s.registry.Resolve(s.platform)
	if err != nil {
		return err
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait aborted: %w", err)
	}

	if err := adapter.Send(ctx, n); err != nil {
		s.logger.Warn("Notification delivery failed",
			zap.String("platform", s.platform),
			zap.String("kind", string(n.Kind)),
			zap.Error(err),
		)
		return err
	}

	s.logger.Debug("Notification delivered",
		zap.String("platform", s.platform),
		zap.String("kind", string(n.Kind)),
		zap.String("workspace_id", n.WorkspaceID),
	)
	return nil
}
