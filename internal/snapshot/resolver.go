package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mrkline/backpak/internal/backend"
	"github.com/mrkline/backpak/internal/objid"
)

// ErrAmbiguous is returned when a prefix matches more than one snapshot.
var ErrAmbiguous = errors.New("snapshot: ambiguous reference")

// ErrNotFound is returned when a reference resolves to no snapshot.
var ErrNotFound = errors.New("snapshot: no matching snapshot")

// Entry pairs a snapshot's ID with the record itself, as listed by a
// Resolver.
type Entry struct {
	ID       objid.ID
	Snapshot Snapshot
}

// Resolver answers snapshot references against the current set of
// snapshots in a repository: LAST, LAST~N/HEAD~N, and ID prefixes.
// It holds no state beyond the Backend; every call re-lists, since the
// snapshot count in a repository is small.
type Resolver struct {
	be backend.Backend
}

func NewResolver(be backend.Backend) *Resolver {
	return &Resolver{be: be}
}

// List returns every snapshot, most recent first.
func (r *Resolver) List(ctx context.Context) ([]Entry, error) {
	ids, err := r.be.List(ctx, backend.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("snapshot: listing: %w", err)
	}
	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		s, err := Fetch(ctx, r.be, id)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{ID: id, Snapshot: s})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Snapshot.Time.After(entries[j].Snapshot.Time)
	})
	return entries, nil
}

// Resolve parses and resolves ref against the repository's current
// snapshots. Accepted forms: "LAST", "LAST~N", "HEAD~N", or a case-insensitive
// prefix of an ID's base32 text form that uniquely identifies one snapshot.
// Hex prefixes are not matched.
func (r *Resolver) Resolve(ctx context.Context, ref string) (Entry, error) {
	entries, err := r.List(ctx)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, fmt.Errorf("%w: repository has no snapshots", ErrNotFound)
	}

	if n, ok := parseRelative(ref); ok {
		if n < 0 || n >= len(entries) {
			return Entry{}, fmt.Errorf("%w: only %d snapshots, asked for %s", ErrNotFound, len(entries), ref)
		}
		return entries[n], nil
	}

	var matches []Entry
	for _, e := range entries {
		if e.ID.HasPrefix(ref) {
			matches = append(matches, e)
		}
	}
	switch len(matches) {
	case 0:
		return Entry{}, fmt.Errorf("%w: %q", ErrNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		return Entry{}, fmt.Errorf("%w: %q matches %d snapshots", ErrAmbiguous, ref, len(matches))
	}
}

// parseRelative recognizes "LAST", "LAST~N", and "HEAD~N" (case
// insensitive), returning the 0-based index into a most-recent-first list.
func parseRelative(ref string) (int, bool) {
	upper := strings.ToUpper(ref)
	for _, head := range []string{"LAST", "HEAD"} {
		if upper == head {
			return 0, true
		}
		if strings.HasPrefix(upper, head+"~") {
			n, err := strconv.Atoi(upper[len(head)+1:])
			if err != nil || n < 0 {
				return 0, false
			}
			return n, true
		}
	}
	return 0, false
}
