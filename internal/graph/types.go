// Package graph builds the minimal blob/tree object graph needed to turn a
// set of staged changes into a new root tree on top of a known base tree.
// Object identifiers are computed locally with git's content-addressed
// hashing, so the plan is deterministic and unchanged content is never
// re-uploaded.
package graph

// FileMode is a git file mode in the API's zero-padded octal form.
type FileMode string

const (
	ModeBlob       FileMode = "100644"
	ModeExecutable FileMode = "100755"
	ModeSymlink    FileMode = "120000"
	ModeSubtree    FileMode = "040000"
	ModeSubmodule  FileMode = "160000"
)

// EntryType is the object type a tree entry points at.
type EntryType string

const (
	EntryBlob   EntryType = "blob"
	EntryTree   EntryType = "tree"
	EntryCommit EntryType = "commit"
)

// StagedEntry is one staged change supplied by the staging-area collaborator.
// A tombstone marks the path for removal; Content and Mode are ignored for
// tombstones.
type StagedEntry struct {
	Path      string
	Content   []byte
	Mode      FileMode
	Tombstone bool
}

// BaseEntry is one entry of the recursively expanded base tree, as resolved
// from the remote. Paths are repository-relative and slash-separated.
type BaseEntry struct {
	Path string
	Mode FileMode
	Type EntryType
	SHA  string
}

// TreeEntry is a single named entry of a tree object.
type TreeEntry struct {
	Name string
	Mode FileMode
	Type EntryType
	SHA  string
}

// BlobUpload is one blob-create call in the plan. Path records the first
// staged path that needs the content, for reporting only; the blob itself is
// addressed purely by content.
type BlobUpload struct {
	Path    string
	SHA     string
	Content []byte
}

// TreeBuild is one tree-create call in the plan. Entries reference only
// identifiers that are known by the time this tree is submitted: base objects
// carried by reference, planned blobs, and trees earlier in the plan.
type TreeBuild struct {
	// Path of the directory this tree represents, "" for the root.
	Path    string
	Entries []TreeEntry
	SHA     string
}

// Plan is the ordered set of object-creation calls that produces the new
// root tree. Blobs are independent of each other; Trees must be created in
// order (children precede parents, the root is last).
type Plan struct {
	Blobs       []BlobUpload
	Trees       []TreeBuild
	RootTreeSHA string
}
