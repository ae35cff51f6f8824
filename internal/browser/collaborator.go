package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/linkhaven/linkhaven/internal/bookmarks"
)

// ErrBookmarkNotFound indicates an update or removal targeting a bookmark the
// browser does not hold.
var ErrBookmarkNotFound = errors.New("browser: bookmark not found")

// Collaborator is the minimal mutation surface the sync engine needs from a
// browser bookmark store.
type Collaborator interface {
	// Snapshot returns the browser's current bookmarks in flat form.
	Snapshot(ctx context.Context) ([]bookmarks.Bookmark, error)
	CreateBookmark(ctx context.Context, item bookmarks.Bookmark) error
	UpdateBookmark(ctx context.Context, item bookmarks.Bookmark) error
	RemoveBookmark(ctx context.Context, key bookmarks.Key) error
}

// chromeFileFormat is the top-level shape of the Chrome bookmarks file.
type chromeFileFormat struct {
	Checksum string              `json:"checksum,omitempty"`
	Roots    map[string]TreeNode `json:"roots"`
	Version  int                 `json:"version"`
}

// ChromeFile implements Collaborator over a Chrome-format bookmarks file on
// disk. Writes go through a temp file and rename so the browser never
// observes a half-written file.
type ChromeFile struct {
	path  string
	root  string
	clock func() time.Time
	mu    sync.Mutex
}

// ChromeFileConfig configures the file collaborator.
type ChromeFileConfig struct {
	// Path is the bookmarks file location.
	Path string
	// Root names the roots entry to operate on. Defaults to "bookmark_bar".
	Root string
	// Clock stamps newly created bookmarks. Defaults to time.Now.
	Clock func() time.Time
}

// NewChromeFile constructs the collaborator.
func NewChromeFile(cfg ChromeFileConfig) (*ChromeFile, error) {
	if cfg.Path == "" {
		return nil, errors.New("browser: bookmarks file path is required")
	}
	root := cfg.Root
	if root == "" {
		root = "bookmark_bar"
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &ChromeFile{path: cfg.Path, root: root, clock: clock}, nil
}

// Path returns the watched bookmarks file location.
func (c *ChromeFile) Path() string {
	return c.path
}

func (c *ChromeFile) Snapshot(_ context.Context) ([]bookmarks.Bookmark, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	file, err := c.load()
	if err != nil {
		return nil, err
	}
	node, ok := file.Roots[c.root]
	if !ok {
		return nil, nil
	}
	// The root folder's own name is not part of the path.
	var items []bookmarks.Bookmark
	for _, child := range node.Children {
		items = append(items, Flatten(child, "")...)
	}
	return items, nil
}

func (c *ChromeFile) CreateBookmark(_ context.Context, item bookmarks.Bookmark) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.mutate(func(items []bookmarks.Bookmark) ([]bookmarks.Bookmark, error) {
		if item.DateAdded == 0 {
			item.DateAdded = bookmarks.EpochMillis(c.clock().UnixMilli())
		}
		for _, existing := range items {
			if existing.Key() == item.Key() {
				return nil, fmt.Errorf("browser: bookmark already exists: %s", item.URL)
			}
		}
		return append(items, item), nil
	})
}

func (c *ChromeFile) UpdateBookmark(_ context.Context, item bookmarks.Bookmark) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.mutate(func(items []bookmarks.Bookmark) ([]bookmarks.Bookmark, error) {
		for index, existing := range items {
			if existing.Key() == item.Key() {
				if item.ID == "" {
					item.ID = existing.ID
				}
				if item.DateAdded == 0 {
					item.DateAdded = existing.DateAdded
				}
				items[index] = item
				return items, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrBookmarkNotFound, item.URL)
	})
}

func (c *ChromeFile) RemoveBookmark(_ context.Context, key bookmarks.Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.mutate(func(items []bookmarks.Bookmark) ([]bookmarks.Bookmark, error) {
		kept := items[:0]
		removed := false
		for _, existing := range items {
			if existing.Key() == key {
				removed = true
				continue
			}
			kept = append(kept, existing)
		}
		if !removed {
			return nil, fmt.Errorf("%w: %s", ErrBookmarkNotFound, key.URL)
		}
		return kept, nil
	})
}

// mutate loads the root's flat form, applies the edit, and writes the
// rebuilt tree back.
func (c *ChromeFile) mutate(edit func([]bookmarks.Bookmark) ([]bookmarks.Bookmark, error)) error {
	file, err := c.load()
	if err != nil {
		return err
	}

	node := file.Roots[c.root]
	var items []bookmarks.Bookmark
	for _, child := range node.Children {
		items = append(items, Flatten(child, "")...)
	}

	edited, err := edit(items)
	if err != nil {
		return err
	}

	rebuilt := BuildTree(edited)
	node.Children = rebuilt.Children
	if node.Type == "" {
		node.Type = NodeTypeFolder
	}
	if node.Name == "" {
		node.Name = "Bookmarks bar"
	}
	file.Roots[c.root] = node
	return c.save(file)
}

func (c *ChromeFile) load() (chromeFileFormat, error) {
	raw, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return chromeFileFormat{Roots: map[string]TreeNode{}, Version: 1}, nil
	}
	if err != nil {
		return chromeFileFormat{}, fmt.Errorf("browser: read bookmarks file: %w", err)
	}

	var file chromeFileFormat
	if err := json.Unmarshal(raw, &file); err != nil {
		return chromeFileFormat{}, fmt.Errorf("browser: parse bookmarks file: %w", err)
	}
	if file.Roots == nil {
		file.Roots = map[string]TreeNode{}
	}
	return file, nil
}

func (c *ChromeFile) save(file chromeFileFormat) error {
	if file.Version == 0 {
		file.Version = 1
	}
	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("browser: encode bookmarks file: %w", err)
	}

	directory := filepath.Dir(c.path)
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return fmt.Errorf("browser: create directory: %w", err)
	}
	temp, err := os.CreateTemp(directory, ".bookmarks-*.tmp")
	if err != nil {
		return fmt.Errorf("browser: create temp file: %w", err)
	}
	tempName := temp.Name()
	if _, err := temp.Write(raw); err != nil {
		temp.Close()
		os.Remove(tempName)
		return fmt.Errorf("browser: write temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		os.Remove(tempName)
		return fmt.Errorf("browser: close temp file: %w", err)
	}
	if err := os.Rename(tempName, c.path); err != nil {
		os.Remove(tempName)
		return fmt.Errorf("browser: replace bookmarks file: %w", err)
	}
	return nil
}

// Reconcile drives the browser's bookmarks toward desired, creating missing
// entries, updating changed titles, and removing entries absent from the
// desired set. It returns how many mutations were applied.
func Reconcile(ctx context.Context, store Collaborator, desired []bookmarks.Bookmark) (int, error) {
	current, err := store.Snapshot(ctx)
	if err != nil {
		return 0, err
	}

	currentByKey := make(map[bookmarks.Key]bookmarks.Bookmark, len(current))
	for _, item := range current {
		currentByKey[item.Key()] = item
	}
	desiredByKey := make(map[bookmarks.Key]bookmarks.Bookmark, len(desired))
	for _, item := range desired {
		desiredByKey[item.Key()] = item
	}

	applied := 0
	for key, want := range desiredByKey {
		have, exists := currentByKey[key]
		switch {
		case !exists:
			if err := store.CreateBookmark(ctx, want); err != nil {
				return applied, err
			}
			applied++
		case have.Title != want.Title:
			if err := store.UpdateBookmark(ctx, want); err != nil {
				return applied, err
			}
			applied++
		}
	}
	for key := range currentByKey {
		if _, keep := desiredByKey[key]; !keep {
			if err := store.RemoveBookmark(ctx, key); err != nil {
				return applied, err
			}
			applied++
		}
	}
	return applied, nil
}
