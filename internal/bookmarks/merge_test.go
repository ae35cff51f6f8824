package bookmarks

import "testing"

func TestParseConflictPolicy(t *testing.T) {
	tests := []struct {
		input     string
		expected  ConflictPolicy
		expectErr bool
	}{
		{input: "newest-wins", expected: PolicyNewestWins},
		{input: " Merge ", expected: PolicyMerge},
		{input: "MANUAL", expected: PolicyManual},
		{input: "last-writer", expectErr: true},
		{input: "", expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseConflictPolicy(tt.input)
			if tt.expectErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Fatalf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestMergeNewestWinsPrefersWinnerOnDivergentEntries(t *testing.T) {
	winner := []Bookmark{
		{URL: "https://go.dev", Title: "Go (renamed)", FolderPath: "Dev"},
		{URL: "https://winner-only.com", FolderPath: "Dev"},
	}
	loser := []Bookmark{
		{URL: "https://go.dev", Title: "Go", FolderPath: "Dev"},
		{URL: "https://loser-only.com", FolderPath: "Dev"},
	}

	merged := MergeNewestWins(winner, loser)
	if len(merged) != 3 {
		t.Fatalf("expected union of 3 entries, got %d", len(merged))
	}

	byKey := indexByKey(merged)
	divergent, present := byKey[Key{URL: "https://go.dev", FolderPath: "Dev"}]
	if !present {
		t.Fatalf("divergent entry missing from merge result")
	}
	if divergent.Title != "Go (renamed)" {
		t.Fatalf("expected winner's title, got %q", divergent.Title)
	}
	if _, present := byKey[Key{URL: "https://loser-only.com", FolderPath: "Dev"}]; !present {
		t.Fatalf("non-conflicting loser entry must be kept")
	}
}

func TestMergeUnionPrefersNewerDateAdded(t *testing.T) {
	local := []Bookmark{
		{URL: "https://go.dev", Title: "Go local", FolderPath: "Dev", DateAdded: 200},
		{URL: "https://local-only.com", DateAdded: 100},
	}
	remote := []Bookmark{
		{URL: "https://go.dev", Title: "Go remote", FolderPath: "Dev", DateAdded: 300},
		{URL: "https://remote-only.com", DateAdded: 100},
	}

	merged := MergeUnion(local, remote)
	if len(merged) != 3 {
		t.Fatalf("expected union of 3 entries, got %d", len(merged))
	}

	byKey := indexByKey(merged)
	winner := byKey[Key{URL: "https://go.dev", FolderPath: "Dev"}]
	if winner.Title != "Go remote" {
		t.Fatalf("expected the newer dateAdded entry to win, got %q", winner.Title)
	}
}

func TestMergeUnionTieKeepsLocalEntry(t *testing.T) {
	local := []Bookmark{{URL: "https://go.dev", Title: "Go local", DateAdded: 200}}
	remote := []Bookmark{{URL: "https://go.dev", Title: "Go remote", DateAdded: 200}}

	merged := MergeUnion(local, remote)
	if len(merged) != 1 || merged[0].Title != "Go local" {
		t.Fatalf("tie must keep the local entry, got %#v", merged)
	}
}

func TestMergeUnionTreatsSameURLInDifferentFoldersAsDistinct(t *testing.T) {
	local := []Bookmark{{URL: "https://go.dev", FolderPath: "Dev"}}
	remote := []Bookmark{{URL: "https://go.dev", FolderPath: "Reading"}}

	if merged := MergeUnion(local, remote); len(merged) != 2 {
		t.Fatalf("same url in different folders must stay distinct, got %d entries", len(merged))
	}
}

func TestRemoveByTombstones(t *testing.T) {
	items := []Bookmark{
		{URL: "https://keep.com", FolderPath: "Dev"},
		{URL: "https://gone.com", FolderPath: "Dev"},
		{URL: "https://gone.com", FolderPath: "Reading"},
	}
	markers := []Tombstone{{URL: "https://gone.com", DeletedAt: 1}}

	kept, removed := RemoveByTombstones(items, markers)
	if len(kept) != 1 || kept[0].URL != "https://keep.com" {
		t.Fatalf("unexpected kept set: %#v", kept)
	}
	if len(removed) != 2 {
		t.Fatalf("tombstones delete by url across folders, removed %d", len(removed))
	}
}

func indexByKey(items []Bookmark) map[Key]Bookmark {
	byKey := make(map[Key]Bookmark, len(items))
	for _, item := range items {
		byKey[item.Key()] = item
	}
	return byKey
}
