package browser

import (
	"testing"

	"github.com/linkhaven/linkhaven/internal/bookmarks"
)

func TestFlattenAccumulatesFolderPaths(t *testing.T) {
	tree := TreeNode{
		Name: "Dev",
		Type: NodeTypeFolder,
		Children: []TreeNode{
			{Name: "Go", Type: NodeTypeURL, URL: "https://go.dev"},
			{
				Name: "Tools",
				Type: NodeTypeFolder,
				Children: []TreeNode{
					{Name: "Gin", Type: NodeTypeURL, URL: "https://gin-gonic.com"},
				},
			},
		},
	}

	items := Flatten(tree, "")
	if len(items) != 2 {
		t.Fatalf("expected 2 bookmarks, got %d", len(items))
	}

	byURL := make(map[string]bookmarks.Bookmark, len(items))
	for _, item := range items {
		byURL[item.URL] = item
	}
	if got := byURL["https://go.dev"].FolderPath; got != "Dev" {
		t.Fatalf("expected folder path Dev, got %q", got)
	}
	if got := byURL["https://gin-gonic.com"].FolderPath; got != "Dev/Tools" {
		t.Fatalf("expected folder path Dev/Tools, got %q", got)
	}
}

func TestBuildTreeRoundTripsThroughFlatten(t *testing.T) {
	items := []bookmarks.Bookmark{
		{URL: "https://go.dev", Title: "Go", FolderPath: "Dev", DateAdded: 1700000000000},
		{URL: "https://gin-gonic.com", Title: "Gin", FolderPath: "Dev/Tools", DateAdded: 1700000001000},
		{URL: "https://news.ycombinator.com", Title: "HN"},
	}

	tree := BuildTree(items)
	var flattened []bookmarks.Bookmark
	for _, child := range tree.Children {
		flattened = append(flattened, Flatten(child, "")...)
	}

	if len(flattened) != len(items) {
		t.Fatalf("expected %d bookmarks, got %d", len(items), len(flattened))
	}
	byKey := make(map[bookmarks.Key]bookmarks.Bookmark, len(flattened))
	for _, item := range flattened {
		byKey[item.Key()] = item
	}
	for _, want := range items {
		got, ok := byKey[want.Key()]
		if !ok {
			t.Fatalf("bookmark %v lost in round trip", want.Key())
		}
		if got.Title != want.Title {
			t.Fatalf("title mismatch for %s: %q vs %q", want.URL, got.Title, want.Title)
		}
		if got.DateAdded != want.DateAdded {
			t.Fatalf("dateAdded mismatch for %s: %d vs %d", want.URL, got.DateAdded, want.DateAdded)
		}
	}
}

func TestChromeTimestampConversionRoundTrips(t *testing.T) {
	const millis = bookmarks.EpochMillis(1700000000000)
	raw := millisToChrome(millis)
	if raw == "" {
		t.Fatalf("expected non-empty chrome timestamp")
	}
	if back := chromeToMillis(raw); back != millis {
		t.Fatalf("round trip lost precision: %d vs %d", back, millis)
	}

	if chromeToMillis("not-a-number") != 0 {
		t.Fatalf("malformed timestamp must yield zero")
	}
	if chromeToMillis("") != 0 {
		t.Fatalf("empty timestamp must yield zero")
	}
}
