// Package accesscontrol implements the allow-list / deny-list gate that the
// engine consults before ever reaching strategy evaluation. Both lists are
// backed by the same backend.Backend state store used by strategies, so
// allow/deny decisions are shared across every process consulting the same
// Redis instance (or scoped to one process for the in-memory backend).
package accesscontrol

import (
	"context"
	"fmt"
	"time"

	"github.com/AlfredDev/ratethrottle/backend"
)

func allowKey(identifier string) string {
	return "rt:allow:" + identifier
}

func denyKey(identifier string) string {
	return "rt:deny:" + identifier
}

// List manages allow and deny membership for arbitrary identifiers (an IP,
// a user ID, an API key — whatever the caller chooses to key by). Deny
// entries may carry a TTL; allow entries never expire implicitly, since an
// allow-list is expected to be curated explicitly.
type List struct {
	b backend.Backend
}

// New constructs a List over the given backend.
func New(b backend.Backend) *List {
	return &List{b: b}
}

// AddAllow marks identifier as always admitted, bypassing all rule
// evaluation.
func (l *List) AddAllow(ctx context.Context, identifier string) error {
	return l.b.Set(ctx, allowKey(identifier), []byte{1}, 0)
}

// RemoveAllow reverses AddAllow.
func (l *List) RemoveAllow(ctx context.Context, identifier string) error {
	_, err := l.b.Delete(ctx, allowKey(identifier))
	return err
}

// IsAllowed reports whether identifier is on the allow-list.
func (l *List) IsAllowed(ctx context.Context, identifier string) (bool, error) {
	return l.b.Exists(ctx, allowKey(identifier))
}

// AddDeny marks identifier as always rejected. A zero ttl denies
// indefinitely; a positive ttl automatically lifts the deny once it elapses.
func (l *List) AddDeny(ctx context.Context, identifier string, ttl time.Duration) error {
	return l.b.Set(ctx, denyKey(identifier), []byte{1}, ttl)
}

// RemoveDeny reverses AddDeny (a manual unblock, ahead of any ttl).
func (l *List) RemoveDeny(ctx context.Context, identifier string) error {
	_, err := l.b.Delete(ctx, denyKey(identifier))
	return err
}

// IsDenied reports whether identifier is currently on the deny-list, and if
// so, when that deny entry expires. A zero Time means the deny has no
// expiry (it was added with a zero ttl) and holds until explicitly removed.
func (l *List) IsDenied(ctx context.Context, identifier string) (bool, time.Time, error) {
	denied, err := l.b.Exists(ctx, denyKey(identifier))
	if err != nil || !denied {
		return denied, time.Time{}, err
	}
	expiry, ok, err := l.b.ExpiresAt(ctx, denyKey(identifier))
	if err != nil {
		return true, time.Time{}, err
	}
	if !ok {
		return true, time.Time{}, nil
	}
	return true, expiry, nil
}

// Verdict is the outcome of a Check: whether the identifier bypasses or is
// rejected by rule evaluation outright, prior to any strategy running.
type Verdict int

const (
	// VerdictNeutral means neither allow nor deny applies; normal strategy
	// evaluation should proceed.
	VerdictNeutral Verdict = iota
	VerdictAllowed
	VerdictDenied
)

func (v Verdict) String() string {
	switch v {
	case VerdictAllowed:
		return "allowed"
	case VerdictDenied:
		return "denied"
	default:
		return "neutral"
	}
}

// Check consults allow before deny: an operator who explicitly allow-listed
// an identifier (e.g. an internal service account) wins over a standing
// deny, such as one auto-issued by the traffic analyzer for the same
// identifier under a different rule. denyExpiry is only meaningful when the
// returned Verdict is VerdictDenied; a zero value then means the deny has
// no expiry.
func (l *List) Check(ctx context.Context, identifier string) (verdict Verdict, denyExpiry time.Time, err error) {
	allowed, err := l.IsAllowed(ctx, identifier)
	if err != nil {
		return VerdictNeutral, time.Time{}, fmt.Errorf("accesscontrol: check allow: %w", err)
	}
	if allowed {
		return VerdictAllowed, time.Time{}, nil
	}
	denied, expiry, err := l.IsDenied(ctx, identifier)
	if err != nil {
		return VerdictNeutral, time.Time{}, fmt.Errorf("accesscontrol: check deny: %w", err)
	}
	if denied {
		return VerdictDenied, expiry, nil
	}
	return VerdictNeutral, time.Time{}, nil
}
