package bookmarks

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ConflictPolicy selects how divergent local and remote snapshots reconcile.
type ConflictPolicy string

const (
	// PolicyNewestWins lets the side that wrote more recently win divergent
	// entries while keeping the union of non-conflicting entries.
	PolicyNewestWins ConflictPolicy = "newest-wins"
	// PolicyMerge takes the union of both sides, deduplicated by identity,
	// preferring the entry with the newer dateAdded.
	PolicyMerge ConflictPolicy = "merge"
	// PolicyManual surfaces the conflict to the caller instead of resolving.
	PolicyManual ConflictPolicy = "manual"
)

// ErrUnknownPolicy indicates an unrecognized conflict policy name.
var ErrUnknownPolicy = errors.New("bookmarks: unknown conflict policy")

// ParseConflictPolicy validates a policy name from configuration.
func ParseConflictPolicy(value string) (ConflictPolicy, error) {
	switch ConflictPolicy(strings.ToLower(strings.TrimSpace(value))) {
	case PolicyNewestWins:
		return PolicyNewestWins, nil
	case PolicyMerge:
		return PolicyMerge, nil
	case PolicyManual:
		return PolicyManual, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, value)
	}
}

// MergeNewestWins reconciles two snapshots when one side is known to be newer.
// Entries whose identity exists on both sides take the winner's version;
// entries present on only one side are kept.
func MergeNewestWins(winner, loser []Bookmark) []Bookmark {
	merged := make(map[Key]Bookmark, len(winner)+len(loser))
	for _, item := range loser {
		merged[item.Key()] = item
	}
	for _, item := range winner {
		merged[item.Key()] = item
	}
	return sortedValues(merged)
}

// MergeUnion reconciles two snapshots symmetrically: the union of both sides
// deduplicated by identity, preferring the entry with the newer dateAdded.
// Ties keep the local entry.
func MergeUnion(local, remote []Bookmark) []Bookmark {
	merged := make(map[Key]Bookmark, len(local)+len(remote))
	for _, item := range local {
		merged[item.Key()] = item
	}
	for _, item := range remote {
		key := item.Key()
		existing, present := merged[key]
		if !present || item.DateAdded > existing.DateAdded {
			merged[key] = item
		}
	}
	return sortedValues(merged)
}

// RemoveByTombstones deletes every bookmark whose URL matches a surviving
// tombstone and returns the remaining set plus the removed entries.
func RemoveByTombstones(items []Bookmark, markers []Tombstone) (kept, removed []Bookmark) {
	deleted := make(map[string]struct{}, len(markers))
	for _, marker := range markers {
		deleted[marker.URL] = struct{}{}
	}

	kept = make([]Bookmark, 0, len(items))
	for _, item := range items {
		if _, gone := deleted[item.URL]; gone {
			removed = append(removed, item)
			continue
		}
		kept = append(kept, item)
	}
	return kept, removed
}

func sortedValues(merged map[Key]Bookmark) []Bookmark {
	result := make([]Bookmark, 0, len(merged))
	for _, item := range merged {
		result = append(result, item)
	}
	sort.Slice(result, func(left, right int) bool {
		if result[left].FolderPath != result[right].FolderPath {
			return result[left].FolderPath < result[right].FolderPath
		}
		return result[left].URL < result[right].URL
	})
	return result
}
