// Package browser bridges the sync engine and the browser's bookmark store.
// It understands the Chrome-format bookmarks file, flattens the folder tree
// into the portable flat form the engine works with, and watches the file
// for edits made in the browser.
package browser

import (
	"sort"
	"strconv"
	"strings"

	"github.com/linkhaven/linkhaven/internal/bookmarks"
)

// Node types in the Chrome bookmarks format.
const (
	NodeTypeURL    = "url"
	NodeTypeFolder = "folder"
)

// Chrome stores timestamps as microseconds since 1601-01-01, serialized as
// decimal strings.
const chromeEpochOffsetMicros int64 = 11644473600000000

// TreeNode is one node of the browser's bookmark tree, shaped like the
// Chrome bookmarks file format.
type TreeNode struct {
	ID        string     `json:"id,omitempty"`
	Name      string     `json:"name"`
	Type      string     `json:"type"`
	URL       string     `json:"url,omitempty"`
	DateAdded string     `json:"date_added,omitempty"`
	Children  []TreeNode `json:"children,omitempty"`
}

// Flatten walks the tree depth-first and returns every URL node as a flat
// bookmark. The folder path accumulates folder names joined with "/", with
// the given prefix as the root segment.
func Flatten(node TreeNode, prefix string) []bookmarks.Bookmark {
	var items []bookmarks.Bookmark
	flattenInto(&items, node, prefix)
	return items
}

func flattenInto(items *[]bookmarks.Bookmark, node TreeNode, path string) {
	switch node.Type {
	case NodeTypeURL:
		*items = append(*items, bookmarks.Bookmark{
			URL:        node.URL,
			Title:      node.Name,
			FolderPath: path,
			DateAdded:  chromeToMillis(node.DateAdded),
			ID:         node.ID,
		})
	case NodeTypeFolder:
		childPath := node.Name
		if path != "" {
			childPath = path + "/" + node.Name
		}
		for _, child := range node.Children {
			flattenInto(items, child, childPath)
		}
	}
}

// BuildTree reconstructs a folder tree from flat bookmarks. Folder paths are
// split on "/"; the returned node is an unnamed root folder whose children
// are the top-level folders and any bookmarks without a folder path.
func BuildTree(items []bookmarks.Bookmark) TreeNode {
	root := &treeBuilder{node: TreeNode{Type: NodeTypeFolder}}
	for _, item := range items {
		parent := root
		if item.FolderPath != "" {
			for _, segment := range strings.Split(item.FolderPath, "/") {
				parent = parent.child(segment)
			}
		}
		parent.node.Children = append(parent.node.Children, TreeNode{
			ID:        item.ID,
			Name:      item.Title,
			Type:      NodeTypeURL,
			URL:       item.URL,
			DateAdded: millisToChrome(item.DateAdded),
		})
	}
	return root.build()
}

type treeBuilder struct {
	node    TreeNode
	folders map[string]*treeBuilder
	order   []string
}

func (b *treeBuilder) child(name string) *treeBuilder {
	if b.folders == nil {
		b.folders = make(map[string]*treeBuilder)
	}
	if existing, ok := b.folders[name]; ok {
		return existing
	}
	created := &treeBuilder{node: TreeNode{Name: name, Type: NodeTypeFolder}}
	b.folders[name] = created
	b.order = append(b.order, name)
	return created
}

func (b *treeBuilder) build() TreeNode {
	node := b.node
	sort.SliceStable(node.Children, func(i, j int) bool {
		return node.Children[i].URL < node.Children[j].URL
	})
	for _, name := range b.order {
		node.Children = append(node.Children, b.folders[name].build())
	}
	return node
}

// chromeToMillis converts a Chrome timestamp string to epoch milliseconds.
// Malformed or absent values yield zero.
func chromeToMillis(raw string) bookmarks.EpochMillis {
	micros, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || micros <= 0 {
		return 0
	}
	return bookmarks.EpochMillis((micros - chromeEpochOffsetMicros) / 1000)
}

// millisToChrome converts epoch milliseconds to a Chrome timestamp string.
func millisToChrome(m bookmarks.EpochMillis) string {
	if m <= 0 {
		return ""
	}
	return strconv.FormatInt(int64(m)*1000+chromeEpochOffsetMicros, 10)
}
