// Package timeline reconstructs a product's chronological history from the
// append-only fact log. It owns no state and never mutates the ledger:
// building a timeline twice over an unchanged log yields identical output.
package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"traceflow/factlog"
)

// Entry is one human-readable step of a product's history.
type Entry struct {
	Kind        factlog.Kind
	Actor       string
	Timestamp   time.Time
	Seq         int64
	SubSeq      int
	Description string
	Detail      map[string]any
}

// Builder replays facts into timeline entries.
type Builder struct {
	facts factlog.Reader
}

func NewBuilder(facts factlog.Reader) *Builder {
	return &Builder{facts: facts}
}

// Build returns one entry per recorded fact, in log order. A product with no
// facts yields an empty timeline, not an error.
func (b *Builder) Build(ctx context.Context, productID int64) ([]Entry, error) {
	facts, err := b.facts.ReadAll(ctx, productID)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(facts))
	for _, f := range facts {
		detail := map[string]any{}
		if len(f.Payload) > 0 {
			if err := json.Unmarshal(f.Payload, &detail); err != nil {
				return nil, fmt.Errorf("timeline: decode fact %d payload: %w", f.ID, err)
			}
		}
		entries = append(entries, Entry{
			Kind:        f.Kind,
			Actor:       f.Actor,
			Timestamp:   f.CreatedAt,
			Seq:         f.Seq,
			SubSeq:      f.SubSeq,
			Description: describe(f.Kind, f.Actor, detail),
			Detail:      detail,
		})
	}
	return entries, nil
}

func describe(kind factlog.Kind, actor string, detail map[string]any) string {
	switch kind {
	case factlog.KindCreated:
		return fmt.Sprintf("Product %q registered by %s", str(detail, "name"), actor)
	case factlog.KindOwnershipTransferred:
		return fmt.Sprintf("Custody transferred from %s to %s", str(detail, "from"), str(detail, "to"))
	case factlog.KindStatusUpdated:
		return fmt.Sprintf("Status changed from %s to %s by %s", str(detail, "old_status"), str(detail, "new_status"), actor)
	case factlog.KindVerified:
		return fmt.Sprintf("Verified by %s with certificate %s", actor, str(detail, "certificate_ref"))
	case factlog.KindRoleGranted:
		return fmt.Sprintf("Role %s granted to %s by %s", str(detail, "role"), str(detail, "identity"), actor)
	default:
		return fmt.Sprintf("Unknown transition %s by %s", kind, actor)
	}
}

func str(detail map[string]any, key string) string {
	v, ok := detail[key].(string)
	if !ok {
		return ""
	}
	return v
}
