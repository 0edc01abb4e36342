package graph

import (
	"fmt"
	"sort"
	"strings"

	apperrors "appcommit.dev/appcommit/internal/errors"
)

// Build computes the upload plan that applies the staged entries on top of
// the base tree. The base listing must be the recursive expansion of the
// commit's tree as resolved from the remote.
//
// The plan only contains objects that do not already exist in the base tree:
// staged content whose blob id matches the base entry at the same path is
// elided, and untouched subtrees are carried into their parents by reference.
// New trees are emitted bottom-up so every identifier a tree references is
// known before the tree itself is submitted.
func Build(base []BaseEntry, staged []StagedEntry) (*Plan, error) {
	if len(staged) == 0 {
		return nil, apperrors.NewObjectGraphError("", "no staged entries")
	}

	baseFiles := make(map[string]BaseEntry)
	baseDirs := make(map[string]BaseEntry)
	baseChildren := make(map[string][]BaseEntry)
	baseBlobSHAs := make(map[string]bool)
	for _, e := range base {
		switch e.Type {
		case EntryTree:
			baseDirs[e.Path] = e
		default:
			baseFiles[e.Path] = e
			if e.Type == EntryBlob {
				baseBlobSHAs[e.SHA] = true
			}
		}
		baseChildren[parentDir(e.Path)] = append(baseChildren[parentDir(e.Path)], e)
	}

	type addition struct {
		sha  string
		mode FileMode
	}
	adds := make(map[string]addition)
	removes := make(map[string]bool)
	seen := make(map[string]bool)

	var blobs []BlobUpload
	planned := make(map[string]bool)

	for _, entry := range staged {
		path := strings.Trim(entry.Path, "/")
		if path == "" {
			return nil, apperrors.NewObjectGraphError(entry.Path, "empty path")
		}
		if seen[path] {
			return nil, apperrors.NewObjectGraphError(path, "path staged more than once")
		}
		seen[path] = true

		if entry.Tombstone {
			if _, ok := baseDirs[path]; ok {
				return nil, apperrors.NewObjectGraphError(path, "tombstone names a directory")
			}
			if _, ok := baseFiles[path]; !ok {
				return nil, apperrors.NewObjectGraphError(path, "tombstone for a path not present in the base tree")
			}
			removes[path] = true
			continue
		}

		switch entry.Mode {
		case ModeBlob, ModeExecutable, ModeSymlink:
		default:
			return nil, apperrors.NewObjectGraphError(path, fmt.Sprintf("unsupported file mode %q", entry.Mode))
		}

		sha := BlobSHA(entry.Content)
		if existing, ok := baseFiles[path]; ok && existing.SHA == sha && existing.Mode == entry.Mode {
			// Content and mode unchanged from the base tree; nothing to do.
			continue
		}
		adds[path] = addition{sha: sha, mode: entry.Mode}

		// Content already stored remotely under the same id never needs a
		// second upload, whether it sits elsewhere in the base tree or is
		// shared by another staged entry.
		if !baseBlobSHAs[sha] && !planned[sha] {
			planned[sha] = true
			blobs = append(blobs, BlobUpload{Path: path, SHA: sha, Content: entry.Content})
		}
	}

	if len(adds) == 0 && len(removes) == 0 {
		return nil, fmt.Errorf("all staged entries match the base tree: %w", apperrors.ErrNoStagedChanges)
	}

	// Every ancestor directory of a changed path needs a new tree object.
	dirty := map[string]bool{"": true}
	for path := range adds {
		for dir := parentDir(path); ; dir = parentDir(dir) {
			dirty[dir] = true
			if dir == "" {
				break
			}
		}
	}
	for path := range removes {
		for dir := parentDir(path); ; dir = parentDir(dir) {
			dirty[dir] = true
			if dir == "" {
				break
			}
		}
	}

	dirtyDirs := make([]string, 0, len(dirty))
	for dir := range dirty {
		dirtyDirs = append(dirtyDirs, dir)
	}
	// Deepest first so children are finalized before their parents.
	sort.Slice(dirtyDirs, func(i, j int) bool {
		di, dj := pathDepth(dirtyDirs[i]), pathDepth(dirtyDirs[j])
		if di != dj {
			return di > dj
		}
		return dirtyDirs[i] < dirtyDirs[j]
	})

	builtSHA := make(map[string]string)
	dropped := make(map[string]bool)
	var trees []TreeBuild

	for _, dir := range dirtyDirs {
		names := make(map[string]bool)
		var entries []TreeEntry

		appendEntry := func(e TreeEntry) error {
			if names[e.Name] {
				return apperrors.NewObjectGraphError(joinPath(dir, e.Name), "path is both a file and a directory")
			}
			names[e.Name] = true
			entries = append(entries, e)
			return nil
		}

		for _, child := range baseChildren[dir] {
			name := baseName(child.Path)
			if child.Type == EntryTree {
				if dirty[child.Path] {
					continue // replaced below with the rebuilt subtree
				}
				if err := appendEntry(TreeEntry{Name: name, Mode: child.Mode, Type: EntryTree, SHA: child.SHA}); err != nil {
					return nil, err
				}
				continue
			}
			if removes[child.Path] {
				continue
			}
			if _, replaced := adds[child.Path]; replaced {
				continue // superseded by the staged content below
			}
			if err := appendEntry(TreeEntry{Name: name, Mode: child.Mode, Type: child.Type, SHA: child.SHA}); err != nil {
				return nil, err
			}
		}

		for path, add := range adds {
			if parentDir(path) != dir {
				continue
			}
			if err := appendEntry(TreeEntry{Name: baseName(path), Mode: add.mode, Type: EntryBlob, SHA: add.sha}); err != nil {
				return nil, err
			}
		}

		for _, childDir := range dirtyDirs {
			if childDir == "" || parentDir(childDir) != dir || childDir == dir {
				continue
			}
			if dropped[childDir] {
				continue // subtree lost its last entry; omit it entirely
			}
			if err := appendEntry(TreeEntry{Name: baseName(childDir), Mode: ModeSubtree, Type: EntryTree, SHA: builtSHA[childDir]}); err != nil {
				return nil, err
			}
		}

		if len(entries) == 0 && dir != "" {
			dropped[dir] = true
			continue
		}

		sortTreeEntries(entries)
		sha, err := TreeSHA(entries)
		if err != nil {
			return nil, apperrors.NewObjectGraphError(dir, err.Error())
		}
		builtSHA[dir] = sha
		trees = append(trees, TreeBuild{Path: dir, Entries: entries, SHA: sha})
	}

	sort.Slice(blobs, func(i, j int) bool { return blobs[i].Path < blobs[j].Path })

	return &Plan{
		Blobs:       blobs,
		Trees:       trees,
		RootTreeSHA: builtSHA[""],
	}, nil
}

func parentDir(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

func baseName(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

func pathDepth(path string) int {
	if path == "" {
		return 0
	}
	return strings.Count(path, "/") + 1
}
