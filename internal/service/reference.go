package service

import (
	"context"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/rs/xid"

	"github.com/punchamoorthee/tenantledger/internal/store"
)

const maxReferenceAttempts = 5

// referenceSuffix returns the random part of a reference code. The tail of
// an xid is its counter and random bytes, so it differs between calls even
// within the same second.
func referenceSuffix() string {
	id := xid.New().String()
	return strings.ToUpper(id[len(id)-6:])
}

// newReference picks a reference code of the form TXN-YYYYMMDD-XXXXXX that
// is not yet used by the tenant. A collision regenerates the suffix; if every
// attempt collides the unit is treated as conflicting and retried.
func (e *Engine) newReference(ctx context.Context, u store.Unit, tenantID string, now time.Time) (string, error) {
	prefix := "TXN-" + now.UTC().Format("20060102") + "-"
	for i := 0; i < maxReferenceAttempts; i++ {
		ref := prefix + e.suffix()
		exists, err := u.ReferenceExists(ctx, tenantID, ref)
		if err != nil {
			return "", errors.Trace(err)
		}
		if !exists {
			return ref, nil
		}
		referenceCollisions.Inc()
		logger.Debugf("tenant %s: reference %s already used", tenantID, ref)
	}
	return "", errors.Annotatef(store.ErrConflict, "no free reference after %d attempts", maxReferenceAttempts)
}
