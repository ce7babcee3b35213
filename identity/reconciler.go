// Package identity reconciles actor identities reported by different
// providers for the same correlation key.
//
// The stored canonical identity is a pure function of the set of
// observations seen so far, so the result does not depend on arrival order
// and strength never decreases.
package identity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goliatone/go-integration-gateway/core"
)

const defaultCASAttempts = 5

type Reconciler struct {
	Identities    core.ActorIdentityStore
	Attributions  core.AttributionStore
	BackfillLimit int
	CASAttempts   int
	Observer      core.Observer
	Now           func() time.Time
}

func NewReconciler(
	identities core.ActorIdentityStore,
	attributions core.AttributionStore,
	cfg core.ReconcilerConfig,
	observer core.Observer,
) *Reconciler {
	return &Reconciler{
		Identities:    identities,
		Attributions:  attributions,
		BackfillLimit: cfg.BackfillLimit,
		CASAttempts:   defaultCASAttempts,
		Observer:      observer,
	}
}

// Reconcile merges observed into the identity for (tenantID, correlationKey)
// and returns the resulting canonical identity.
func (r *Reconciler) Reconcile(
	ctx context.Context,
	tenantID string,
	correlationKey string,
	observed core.ObservedIdentity,
) (identity core.ActorIdentity, err error) {
	if r == nil || r.Identities == nil {
		return core.ActorIdentity{}, fmt.Errorf("identity: reconciler requires an identity store")
	}
	startedAt := time.Now()
	fields := map[string]any{"tenant_id": tenantID, "correlation_key": correlationKey, "provider": observed.Provider}
	defer func() {
		if err == nil {
			fields["strength"] = identity.Strength.String()
		}
		r.Observer.Observe(ctx, startedAt, "identity.reconcile", err, fields)
	}()

	tenantID = strings.TrimSpace(tenantID)
	correlationKey = strings.TrimSpace(correlationKey)
	observed = normalizeObservation(observed)
	if tenantID == "" || correlationKey == "" {
		return core.ActorIdentity{}, core.NewError(core.ErrorBadInput, "tenant id and correlation key are required")
	}
	if observed.Empty() {
		return core.ActorIdentity{}, core.NewError(core.ErrorBadInput, "observed identity is empty")
	}

	attempts := r.CASAttempts
	if attempts < 1 {
		attempts = defaultCASAttempts
	}
	for attempt := 0; attempt < attempts; attempt++ {
		existing, found, err := r.Identities.Get(ctx, tenantID, correlationKey)
		if err != nil {
			return core.ActorIdentity{}, err
		}
		now := r.now()
		if !found {
			created := build(tenantID, correlationKey, []core.ObservedIdentity{observed})
			created.Version = 1
			created.CreatedAt = now
			created.UpdatedAt = now
			inserted, err := r.Identities.Insert(ctx, created)
			if err != nil {
				return core.ActorIdentity{}, err
			}
			if inserted {
				return created, nil
			}
			continue
		}

		aliases, grew := mergeAliases(existing.Aliases, observed)
		merged := build(tenantID, correlationKey, aliases)
		if !grew && sameCanonical(existing, merged) {
			return existing, nil
		}
		merged.Version = existing.Version + 1
		merged.CreatedAt = existing.CreatedAt
		merged.UpdatedAt = now
		swapped, err := r.Identities.CompareAndSwap(ctx, merged, existing.Version)
		if err != nil {
			return core.ActorIdentity{}, err
		}
		if !swapped {
			continue
		}
		if !sameCanonical(existing, merged) {
			r.backfill(ctx, merged)
		}
		return merged, nil
	}
	return core.ActorIdentity{}, core.NewError(core.ErrorConflict, "actor identity changed concurrently").
		WithMetadata(map[string]any{"correlation_key": correlationKey})
}

// Attribute reconciles observed and records which actor deliveryID is
// attributed to. A canonical change that raced with the record is
// backfilled before returning.
func (r *Reconciler) Attribute(
	ctx context.Context,
	tenantID string,
	correlationKey string,
	deliveryID string,
	observed core.ObservedIdentity,
) (core.ActorIdentity, error) {
	identity, err := r.Reconcile(ctx, tenantID, correlationKey, observed)
	if err != nil {
		return core.ActorIdentity{}, err
	}
	if r.Attributions == nil {
		return identity, nil
	}
	err = r.Attributions.Record(ctx, core.Attribution{
		TenantID:       identity.TenantID,
		CorrelationKey: identity.CorrelationKey,
		DeliveryID:     strings.TrimSpace(deliveryID),
		ActorID:        identity.ActorID,
		ActorName:      identity.Name,
		Strength:       identity.Strength,
		UpdatedAt:      r.now(),
	})
	if err != nil {
		return identity, fmt.Errorf("identity: record attribution: %w", err)
	}

	current, found, err := r.Identities.Get(ctx, identity.TenantID, identity.CorrelationKey)
	if err != nil || !found {
		return identity, err
	}
	if !sameCanonical(identity, current) {
		r.backfill(ctx, current)
		return current, nil
	}
	return identity, nil
}

func (r *Reconciler) backfill(ctx context.Context, identity core.ActorIdentity) {
	if r.Attributions == nil {
		return
	}
	limit := r.BackfillLimit
	if limit < 1 {
		limit = core.DefaultConfig().Reconciler.BackfillLimit
	}
	changed, err := r.Attributions.Rewrite(ctx, identity, limit)
	fields := map[string]any{
		"tenant_id":       identity.TenantID,
		"correlation_key": identity.CorrelationKey,
		"rewritten":       changed,
	}
	if err != nil {
		fields["error"] = err.Error()
		r.Observer.Warn(ctx, "attribution backfill failed", fields)
		return
	}
	if changed > 0 {
		r.Observer.Info(ctx, "attribution backfill", fields)
	}
}

func (r *Reconciler) now() time.Time {
	if r != nil && r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// build derives the canonical identity from a set of observations.
func build(tenantID string, correlationKey string, aliases []core.ObservedIdentity) core.ActorIdentity {
	aliases = sortAliases(aliases)
	best := aliases[0]
	identity := core.ActorIdentity{
		TenantID:       tenantID,
		CorrelationKey: correlationKey,
		ActorID:        best.ID,
		Name:           best.Name,
		Provider:       best.Provider,
		Strength:       best.Strength(),
		Aliases:        aliases,
	}
	if identity.Name == "" {
		for _, alias := range aliases {
			if alias.Name != "" {
				identity.Name = alias.Name
				break
			}
		}
	}
	return identity
}

func mergeAliases(existing []core.ObservedIdentity, observed core.ObservedIdentity) ([]core.ObservedIdentity, bool) {
	out := make([]core.ObservedIdentity, 0, len(existing)+1)
	seen := map[string]struct{}{}
	for _, alias := range existing {
		alias = normalizeObservation(alias)
		if alias.Empty() {
			continue
		}
		if _, ok := seen[alias.Alias()]; ok {
			continue
		}
		seen[alias.Alias()] = struct{}{}
		out = append(out, alias)
	}
	if _, ok := seen[observed.Alias()]; ok {
		return out, false
	}
	return append(out, observed), true
}

// sortAliases orders observations best first: strong before weak, named
// before unnamed, then by id and name.
func sortAliases(aliases []core.ObservedIdentity) []core.ObservedIdentity {
	out := append([]core.ObservedIdentity(nil), aliases...)
	sort.SliceStable(out, func(a, b int) bool {
		left, right := out[a], out[b]
		if left.Strength() != right.Strength() {
			return left.Strength() > right.Strength()
		}
		if (left.Name != "") != (right.Name != "") {
			return left.Name != ""
		}
		if cmp := compareIDs(left.ID, right.ID); cmp != 0 {
			return cmp < 0
		}
		if left.Name != right.Name {
			return left.Name < right.Name
		}
		return left.Provider < right.Provider
	})
	return out
}

// compareIDs orders numeric ids by value and everything else lexically.
func compareIDs(left string, right string) int {
	if isDigits(left) && isDigits(right) {
		left = strings.TrimLeft(left, "0")
		right = strings.TrimLeft(right, "0")
		if len(left) != len(right) {
			if len(left) < len(right) {
				return -1
			}
			return 1
		}
	}
	return strings.Compare(left, right)
}

func isDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func sameCanonical(left core.ActorIdentity, right core.ActorIdentity) bool {
	return left.ActorID == right.ActorID &&
		left.Name == right.Name &&
		left.Strength == right.Strength
}

func normalizeObservation(observed core.ObservedIdentity) core.ObservedIdentity {
	observed.Provider = core.NormalizeProvider(observed.Provider)
	observed.ID = strings.TrimSpace(observed.ID)
	observed.Name = strings.TrimSpace(observed.Name)
	return observed
}
