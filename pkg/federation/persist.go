package federation

import (
	"context"
	"log/slog"
	"time"

	"github.com/concordhq/substrate/pkg/contracts"
)

// Store is the durable mirror of the registry's append-only history. The
// in-memory maps stay authoritative for reads; writes are mirrored
// best-effort and failures are logged, not surfaced to callers.
type Store interface {
	SaveNational(ctx context.Context, n *contracts.National) error
	SaveRegion(ctx context.Context, r *contracts.Region) error
	SaveCRI(ctx context.Context, c *contracts.CRI) error
	AppendLocation(ctx context.Context, e *contracts.LocationEntry) error
	AppendTransfer(ctx context.Context, t *contracts.EntityTransfer) error
	AppendPromotion(ctx context.Context, p *contracts.PromotionRecord) error
	AppendEscalation(ctx context.Context, e *contracts.EscalationRecord) error
}

// WithStore attaches a durable mirror.
func (r *Registry) WithStore(store Store) *Registry {
	r.store = store
	return r
}

// mirror runs one store write with a bounded deadline.
func (r *Registry) mirror(op string, fn func(ctx context.Context, s Store) error) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx, r.store); err != nil {
		slog.Default().With("component", "federation").
			Warn("store mirror failed", "op", op, "error", err)
	}
}
