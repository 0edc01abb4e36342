package git

import (
	"fmt"
	"io"
	"sort"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"appcommit.dev/appcommit/internal/graph"
)

// StagedEntries compares the index against the HEAD tree and returns the
// staged changes: added and modified files with their content and mode, and
// a tombstone for every tracked path missing from the index.
//
// Content is read from the object store by the hash recorded in the index,
// never from the worktree, since the file may have changed again after being
// staged.
func (r *Repository) StagedEntries() ([]graph.StagedEntry, error) {
	idx, err := r.repo.Storer.Index()
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}

	headFiles, err := r.headFiles()
	if err != nil {
		return nil, err
	}

	var entries []graph.StagedEntry
	inIndex := make(map[string]bool, len(idx.Entries))

	for _, indexEntry := range idx.Entries {
		inIndex[indexEntry.Name] = true

		mode, err := toGraphMode(indexEntry.Mode)
		if err != nil {
			return nil, fmt.Errorf("staged path %q: %w", indexEntry.Name, err)
		}

		if headFile, tracked := headFiles[indexEntry.Name]; tracked &&
			headFile.hash == indexEntry.Hash && headFile.mode == mode {
			continue // unchanged from HEAD
		}

		content, err := r.blobContent(indexEntry.Hash)
		if err != nil {
			return nil, fmt.Errorf("staged path %q: %w", indexEntry.Name, err)
		}
		entries = append(entries, graph.StagedEntry{
			Path:    indexEntry.Name,
			Content: content,
			Mode:    mode,
		})
	}

	for path := range headFiles {
		if !inIndex[path] {
			entries = append(entries, graph.StagedEntry{Path: path, Tombstone: true})
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

type headFile struct {
	hash plumbing.Hash
	mode graph.FileMode
}

func (r *Repository) headFiles() (map[string]headFile, error) {
	head, err := r.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	commit, err := r.repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to read HEAD commit: %w", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to read HEAD tree: %w", err)
	}

	files := make(map[string]headFile)
	iter := tree.Files()
	defer iter.Close()
	err = iter.ForEach(func(f *object.File) error {
		mode, err := toGraphMode(f.Mode)
		if err != nil {
			return fmt.Errorf("tracked path %q: %w", f.Name, err)
		}
		files[f.Name] = headFile{hash: f.Hash, mode: mode}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func (r *Repository) blobContent(hash plumbing.Hash) ([]byte, error) {
	blob, err := r.repo.BlobObject(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", hash, err)
	}
	reader, err := blob.Reader()
	if err != nil {
		return nil, fmt.Errorf("failed to open blob %s: %w", hash, err)
	}
	defer reader.Close()

	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", hash, err)
	}
	return content, nil
}

func toGraphMode(mode filemode.FileMode) (graph.FileMode, error) {
	switch mode {
	case filemode.Regular:
		return graph.ModeBlob, nil
	case filemode.Executable:
		return graph.ModeExecutable, nil
	case filemode.Symlink:
		return graph.ModeSymlink, nil
	default:
		return "", fmt.Errorf("unsupported file mode %s", mode)
	}
}
