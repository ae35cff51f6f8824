package bookmarks

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Checksum fingerprints a bookmark collection for cheap equality testing.
// The result is order-independent: different sources enumerate the same
// logical set in different orders (tree traversal vs. stored array), so each
// bookmark is reduced to a canonical key and the sorted key set is hashed.
// The empty collection hashes to the digest of the empty string.
func Checksum(items []Bookmark) string {
	keys := make([]string, 0, len(items))
	for _, item := range items {
		keys = append(keys, canonicalKey(item))
	}
	sort.Strings(keys)

	digest := sha256.Sum256([]byte(strings.Join(keys, "\n")))
	return hex.EncodeToString(digest[:])
}

func canonicalKey(item Bookmark) string {
	return item.URL + "|" + item.Title + "|" + item.FolderPath
}
