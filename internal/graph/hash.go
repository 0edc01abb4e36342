package graph

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// BlobSHA computes the git object id of a blob: SHA-1 over the
// header-prefixed content "blob <len>\x00<content>".
func BlobSHA(content []byte) string {
	h := sha1.New()
	fmt.Fprintf(h, "blob %d\x00", len(content))
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}

// TreeSHA computes the git object id of a tree from its entries. Entries are
// serialized in git's canonical order with the raw 20-byte child ids, so the
// result matches what the remote assigns when the same tree is created there.
func TreeSHA(entries []TreeEntry) (string, error) {
	body, err := serializeTree(entries)
	if err != nil {
		return "", err
	}
	h := sha1.New()
	fmt.Fprintf(h, "tree %d\x00", len(body))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func serializeTree(entries []TreeEntry) ([]byte, error) {
	sorted := make([]TreeEntry, len(entries))
	copy(sorted, entries)
	sortTreeEntries(sorted)

	var buf strings.Builder
	for _, e := range sorted {
		raw, err := hex.DecodeString(e.SHA)
		if err != nil || len(raw) != sha1.Size {
			return nil, fmt.Errorf("tree entry %q has malformed object id %q", e.Name, e.SHA)
		}
		// git stores tree modes without the leading zero
		buf.WriteString(strings.TrimLeft(string(e.Mode), "0"))
		buf.WriteByte(' ')
		buf.WriteString(e.Name)
		buf.WriteByte(0)
		buf.Write(raw)
	}
	return []byte(buf.String()), nil
}

// sortTreeEntries orders entries the way git does: byte-wise by name, with
// directories compared as if their name ended in "/".
func sortTreeEntries(entries []TreeEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return sortKey(entries[i]) < sortKey(entries[j])
	})
}

func sortKey(e TreeEntry) string {
	if e.Type == EntryTree {
		return e.Name + "/"
	}
	return e.Name
}
