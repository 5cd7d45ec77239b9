package resource

import (
	"context"
	"fmt"
)

// RevisionPayload carries one client-created revision during a sync exchange.
type RevisionPayload struct {
	Revision         int64
	CreatedAtSeconds int64
	BlobHandle       string
}

// RevisionUpload groups the client's pending revisions for one resource.
type RevisionUpload struct {
	ResourceID string
	Kind       Kind
	Revisions  []RevisionPayload
}

// LowestRevision returns the smallest revision in the upload, or 0 when empty.
func (u RevisionUpload) LowestRevision() int64 {
	lowest := int64(0)
	for _, payload := range u.Revisions {
		if lowest == 0 || payload.Revision < lowest {
			lowest = payload.Revision
		}
	}
	return lowest
}

// Resolution is the outcome of applying explicit conflict policies for one
// sync exchange.
type Resolution struct {
	// Downloads holds the authoritative revision ranges the client must fetch
	// for resources resolved with PolicyKeepServer.
	Downloads []Record
	// Excluded marks resources that must be skipped by both the upload path
	// and the download listing for the remainder of this exchange.
	Excluded map[string]struct{}
}

// Resolver applies client-chosen conflict policies against the ledger.
type Resolver struct {
	ledger *Ledger
}

// NewResolver constructs a Resolver over the given ledger.
func NewResolver(ledger *Ledger) *Resolver {
	return &Resolver{ledger: ledger}
}

// Resolve applies every explicit policy choice. PolicyKeepLocal discards the
// server's colliding range so the client's revisions append fresh later in the
// same exchange. PolicyKeepServer collects the authoritative range for
// download and excludes the resource from the upload path.
func (r *Resolver) Resolve(ctx context.Context, ownerID string, policies map[string]Policy, uploads map[string]RevisionUpload) (Resolution, error) {
	resolution := Resolution{Excluded: make(map[string]struct{})}

	for resourceID, policy := range policies {
		fromRevision := int64(0)
		if upload, ok := uploads[resourceID]; ok {
			fromRevision = upload.LowestRevision()
		}

		switch policy {
		case PolicyKeepLocal:
			// Keep-local without a colliding upload has nothing to arbitrate;
			// a zero bound would clear the resource's whole server history.
			if fromRevision == 0 {
				continue
			}
			if err := r.ledger.DeleteFrom(ctx, ownerID, resourceID, fromRevision); err != nil {
				return Resolution{}, fmt.Errorf("resolve keep-local for %s: %w", resourceID, err)
			}
		case PolicyKeepServer:
			records, err := r.ledger.ListRange(ctx, ownerID, resourceID, fromRevision)
			if err != nil {
				return Resolution{}, fmt.Errorf("resolve keep-server for %s: %w", resourceID, err)
			}
			resolution.Downloads = append(resolution.Downloads, records...)
			resolution.Excluded[resourceID] = struct{}{}
		default:
			return Resolution{}, fmt.Errorf("resource: unknown conflict policy %q for %s", policy, resourceID)
		}
	}

	return resolution, nil
}
