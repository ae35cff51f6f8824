package bookmarks

import (
	"math/rand"
	"testing"
)

func TestChecksumIsOrderIndependent(t *testing.T) {
	items := []Bookmark{
		{URL: "https://go.dev", Title: "Go", FolderPath: "Bookmarks Bar/Dev"},
		{URL: "https://pkg.go.dev", Title: "Packages", FolderPath: "Bookmarks Bar/Dev"},
		{URL: "https://news.ycombinator.com", Title: "HN", FolderPath: "Bookmarks Bar"},
		{URL: "https://go.dev", Title: "Go", FolderPath: "Other Bookmarks"},
	}

	reference := Checksum(items)
	shuffled := make([]Bookmark, len(items))
	copy(shuffled, items)

	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 20; round++ {
		rng.Shuffle(len(shuffled), func(left, right int) {
			shuffled[left], shuffled[right] = shuffled[right], shuffled[left]
		})
		if got := Checksum(shuffled); got != reference {
			t.Fatalf("checksum changed under permutation: %s != %s", got, reference)
		}
	}
}

func TestChecksumIsContentSensitive(t *testing.T) {
	base := []Bookmark{
		{URL: "https://go.dev", Title: "Go", FolderPath: "Bookmarks Bar/Dev"},
		{URL: "https://news.ycombinator.com", Title: "HN", FolderPath: "Bookmarks Bar"},
	}
	reference := Checksum(base)

	mutations := []struct {
		name   string
		mutate func(items []Bookmark)
	}{
		{name: "url", mutate: func(items []Bookmark) { items[0].URL = "https://golang.org" }},
		{name: "title", mutate: func(items []Bookmark) { items[0].Title = "Golang" }},
		{name: "folder", mutate: func(items []Bookmark) { items[0].FolderPath = "Other Bookmarks" }},
	}

	for _, tt := range mutations {
		t.Run(tt.name, func(t *testing.T) {
			mutated := make([]Bookmark, len(base))
			copy(mutated, base)
			tt.mutate(mutated)
			if Checksum(mutated) == reference {
				t.Fatalf("checksum did not change after mutating %s", tt.name)
			}
		})
	}
}

func TestChecksumIgnoresSourceLocalFields(t *testing.T) {
	withID := []Bookmark{{URL: "https://go.dev", Title: "Go", ID: "browser-41", DateAdded: 1700000000000}}
	withoutID := []Bookmark{{URL: "https://go.dev", Title: "Go"}}

	if Checksum(withID) != Checksum(withoutID) {
		t.Fatalf("checksum must not depend on source-local id or dateAdded")
	}
}

func TestChecksumOfEmptyCollection(t *testing.T) {
	if Checksum(nil) != Checksum([]Bookmark{}) {
		t.Fatalf("nil and empty collections must hash identically")
	}
	if Checksum(nil) == "" {
		t.Fatalf("empty collection must yield a well-defined checksum")
	}
}
