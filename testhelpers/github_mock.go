// Package testhelpers provides shared test infrastructure: an in-memory git
// data API server and signing key generators.
package testhelpers

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"appcommit.dev/appcommit/internal/graph"
)

// Operation keys for call counting, scripted failures, and hooks.
const (
	OpToken        = "token"
	OpGetRef       = "get-ref"
	OpGetCommit    = "get-commit"
	OpGetTree      = "get-tree"
	OpCreateBlob   = "create-blob"
	OpCreateTree   = "create-tree"
	OpCreateCommit = "create-commit"
	OpCreateRef    = "create-ref"
	OpUpdateRef    = "update-ref"
)

// GitDataServerConfig configures the mock server's repository coordinates and
// the installation token it issues.
type GitDataServerConfig struct {
	Owner          string
	Repo           string
	InstallationID int64
	Token          string
}

// NewGitDataServerConfig returns a config with the defaults the tests use.
func NewGitDataServerConfig() *GitDataServerConfig {
	return &GitDataServerConfig{
		Owner:          "owner",
		Repo:           "repo",
		InstallationID: 42,
		Token:          "ghs_testinstallationtoken",
	}
}

// StoredCommit is a commit object as the mock server recorded it.
type StoredCommit struct {
	TreeSHA   string
	Parents   []string
	Message   string
	Signature string
}

type storedTreeEntry struct {
	Name string
	Mode string
	Type string
	SHA  string
}

// GitDataServer is an in-memory git data API: content-addressed blob and tree
// stores, commit objects, branch refs with fast-forward semantics, and an
// installation token endpoint. Object ids match real git ids, so locally
// planned hashes and server-assigned hashes agree exactly.
type GitDataServer struct {
	Server *httptest.Server

	config *GitDataServerConfig

	mu      sync.Mutex
	blobs   map[string][]byte
	trees   map[string][]storedTreeEntry
	commits map[string]StoredCommit
	refs    map[string]string

	calls    map[string]int
	failures map[string][]int
	hooks    map[string]func()
}

// NewGitDataServer starts the mock server. It is shut down when the test ends.
func NewGitDataServer(t *testing.T, config *GitDataServerConfig) *GitDataServer {
	t.Helper()
	if config == nil {
		config = NewGitDataServerConfig()
	}

	s := &GitDataServer{
		config:   config,
		blobs:    make(map[string][]byte),
		trees:    make(map[string][]storedTreeEntry),
		commits:  make(map[string]StoredCommit),
		refs:     make(map[string]string),
		calls:    make(map[string]int),
		failures: make(map[string][]int),
		hooks:    make(map[string]func()),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Server.Close)
	return s
}

// URL returns the server's base URL with a trailing slash, ready to be used
// as an API endpoint override.
func (s *GitDataServer) URL() string {
	return s.Server.URL + "/"
}

// FailNext scripts HTTP error statuses for the next calls to an operation,
// consumed in order before the real handler runs.
func (s *GitDataServer) FailNext(op string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], statuses...)
}

// OnNext registers a hook that runs once, before the next request for the
// given operation is handled.
func (s *GitDataServer) OnNext(op string, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[op] = fn
}

// Calls reports how many requests reached an operation, scripted failures
// included.
func (s *GitDataServer) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// BranchHead returns the current commit id of a branch, or empty.
func (s *GitDataServer) BranchHead(branch string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs["heads/"+branch]
}

// Commit looks up a stored commit object.
func (s *GitDataServer) Commit(sha string) (StoredCommit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	commit, ok := s.commits[sha]
	return commit, ok
}

// HasBlob reports whether a blob id exists in the store.
func (s *GitDataServer) HasBlob(sha string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[sha]
	return ok
}

// BlobCount returns the number of stored blobs.
func (s *GitDataServer) BlobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

// SeedBranch creates a commit containing the given files and points the
// branch at it. Returns the commit id.
func (s *GitDataServer) SeedBranch(t *testing.T, branch string, files map[string]string) string {
	t.Helper()
	plan := seedPlan(t, files)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.storePlanLocked(plan)
	sha := s.storeCommitLocked(StoredCommit{TreeSHA: plan.RootTreeSHA, Message: "seed"})
	s.refs["heads/"+branch] = sha
	return sha
}

// SeedCommit stores the files' objects and records a commit under the given
// id without pointing any ref at it. Stands in for a commit that exists
// remotely but is only known by id, such as a local HEAD that was pushed to
// another branch.
func (s *GitDataServer) SeedCommit(t *testing.T, sha string, files map[string]string) {
	t.Helper()
	plan := seedPlan(t, files)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.storePlanLocked(plan)
	s.commits[sha] = StoredCommit{TreeSHA: plan.RootTreeSHA, Message: "seed"}
}

func seedPlan(t *testing.T, files map[string]string) *graph.Plan {
	t.Helper()

	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	staged := make([]graph.StagedEntry, 0, len(paths))
	for _, path := range paths {
		staged = append(staged, graph.StagedEntry{
			Path:    path,
			Content: []byte(files[path]),
			Mode:    graph.ModeBlob,
		})
	}

	plan, err := graph.Build(nil, staged)
	require.NoError(t, err)
	return plan
}

func (s *GitDataServer) storePlanLocked(plan *graph.Plan) {
	for _, blob := range plan.Blobs {
		s.blobs[blob.SHA] = blob.Content
	}
	for _, tree := range plan.Trees {
		s.storeTreeLocked(tree.Entries)
	}
}

// CommitEmpty creates a commit reusing the branch head's tree and advances
// the branch to it. Used to simulate the branch moving under a caller.
func (s *GitDataServer) CommitEmpty(t *testing.T, branch, message string) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	head, ok := s.refs["heads/"+branch]
	require.True(t, ok, "branch %s not seeded", branch)
	parent := s.commits[head]

	sha := s.storeCommitLocked(StoredCommit{
		TreeSHA: parent.TreeSHA,
		Parents: []string{head},
		Message: message,
	})
	s.refs["heads/"+branch] = sha
	return sha
}

func (s *GitDataServer) storeTreeLocked(entries []graph.TreeEntry) string {
	sha, err := graph.TreeSHA(entries)
	if err != nil {
		panic(err)
	}
	stored := make([]storedTreeEntry, 0, len(entries))
	for _, e := range entries {
		stored = append(stored, storedTreeEntry{
			Name: e.Name,
			Mode: string(e.Mode),
			Type: string(e.Type),
			SHA:  e.SHA,
		})
	}
	s.trees[sha] = stored
	return sha
}

func (s *GitDataServer) storeCommitLocked(commit StoredCommit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "tree %s\n", commit.TreeSHA)
	for _, parent := range commit.Parents {
		fmt.Fprintf(&b, "parent %s\n", parent)
	}
	if commit.Signature != "" {
		fmt.Fprintf(&b, "gpgsig %s\n", commit.Signature)
	}
	fmt.Fprintf(&b, "\n%s", commit.Message)

	body := b.String()
	sum := sha1.Sum([]byte(fmt.Sprintf("commit %d\x00%s", len(body), body)))
	sha := hex.EncodeToString(sum[:])
	s.commits[sha] = commit
	return sha
}

// recursiveEntriesLocked flattens a tree into the recursive listing shape the
// API returns: trees first at each level order is not guaranteed by the real
// API either, so the walk order here is fine.
func (s *GitDataServer) recursiveEntriesLocked(treeSHA, prefix string) []map[string]string {
	var out []map[string]string
	for _, entry := range s.trees[treeSHA] {
		path := entry.Name
		if prefix != "" {
			path = prefix + "/" + entry.Name
		}
		out = append(out, map[string]string{
			"path": path,
			"mode": entry.Mode,
			"type": entry.Type,
			"sha":  entry.SHA,
		})
		if entry.Type == "tree" {
			out = append(out, s.recursiveEntriesLocked(entry.SHA, path)...)
		}
	}
	return out
}

// fastForwardLocked reports whether from is reachable from to by walking
// parent links.
func (s *GitDataServer) fastForwardLocked(from, to string) bool {
	seen := make(map[string]bool)
	queue := []string{to}
	for len(queue) > 0 {
		sha := queue[0]
		queue = queue[1:]
		if sha == from {
			return true
		}
		if seen[sha] {
			continue
		}
		seen[sha] = true
		queue = append(queue, s.commits[sha].Parents...)
	}
	return false
}

func (s *GitDataServer) handle(w http.ResponseWriter, r *http.Request) {
	op, rest := s.route(r)
	if op == "" {
		writeAPIError(w, http.StatusNotFound, "Not Found")
		return
	}

	var hook func()
	s.mu.Lock()
	s.calls[op]++
	if fn, ok := s.hooks[op]; ok {
		hook = fn
		delete(s.hooks, op)
	}
	var scripted int
	if queue := s.failures[op]; len(queue) > 0 {
		scripted = queue[0]
		s.failures[op] = queue[1:]
	}
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	if scripted != 0 {
		writeAPIError(w, scripted, http.StatusText(scripted))
		return
	}

	switch op {
	case OpToken:
		s.handleToken(w)
	case OpGetRef:
		s.handleGetRef(w, rest)
	case OpGetCommit:
		s.handleGetCommit(w, rest)
	case OpGetTree:
		s.handleGetTree(w, rest)
	case OpCreateBlob:
		s.handleCreateBlob(w, r)
	case OpCreateTree:
		s.handleCreateTree(w, r)
	case OpCreateCommit:
		s.handleCreateCommit(w, r)
	case OpCreateRef:
		s.handleCreateRef(w, r)
	case OpUpdateRef:
		s.handleUpdateRef(w, r, rest)
	}
}

// route maps a request to an operation key and the path remainder after the
// operation's prefix.
func (s *GitDataServer) route(r *http.Request) (string, string) {
	path := r.URL.Path

	tokenPath := fmt.Sprintf("/app/installations/%d/access_tokens", s.config.InstallationID)
	if r.Method == http.MethodPost && path == tokenPath {
		return OpToken, ""
	}

	gitBase := fmt.Sprintf("/repos/%s/%s/git/", s.config.Owner, s.config.Repo)
	if !strings.HasPrefix(path, gitBase) {
		return "", ""
	}
	rest := strings.TrimPrefix(path, gitBase)

	switch {
	case r.Method == http.MethodGet && strings.HasPrefix(rest, "ref/"):
		return OpGetRef, strings.TrimPrefix(rest, "ref/")
	case r.Method == http.MethodGet && strings.HasPrefix(rest, "commits/"):
		return OpGetCommit, strings.TrimPrefix(rest, "commits/")
	case r.Method == http.MethodGet && strings.HasPrefix(rest, "trees/"):
		return OpGetTree, strings.TrimPrefix(rest, "trees/")
	case r.Method == http.MethodPost && rest == "blobs":
		return OpCreateBlob, ""
	case r.Method == http.MethodPost && rest == "trees":
		return OpCreateTree, ""
	case r.Method == http.MethodPost && rest == "commits":
		return OpCreateCommit, ""
	case r.Method == http.MethodPost && rest == "refs":
		return OpCreateRef, ""
	case r.Method == http.MethodPatch && strings.HasPrefix(rest, "refs/"):
		return OpUpdateRef, strings.TrimPrefix(rest, "refs/")
	}
	return "", ""
}

func (s *GitDataServer) handleToken(w http.ResponseWriter) {
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"token":      s.config.Token,
		"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
	})
}

func (s *GitDataServer) handleGetRef(w http.ResponseWriter, ref string) {
	s.mu.Lock()
	sha, ok := s.refs[ref]
	s.mu.Unlock()
	if !ok {
		writeAPIError(w, http.StatusNotFound, "Not Found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ref":    "refs/" + ref,
		"object": map[string]string{"type": "commit", "sha": sha},
	})
}

func (s *GitDataServer) handleGetCommit(w http.ResponseWriter, sha string) {
	s.mu.Lock()
	commit, ok := s.commits[sha]
	s.mu.Unlock()
	if !ok {
		writeAPIError(w, http.StatusNotFound, "Not Found")
		return
	}
	parents := make([]map[string]string, 0, len(commit.Parents))
	for _, parent := range commit.Parents {
		parents = append(parents, map[string]string{"sha": parent})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sha":     sha,
		"message": commit.Message,
		"tree":    map[string]string{"sha": commit.TreeSHA},
		"parents": parents,
	})
}

func (s *GitDataServer) handleGetTree(w http.ResponseWriter, sha string) {
	s.mu.Lock()
	_, ok := s.trees[sha]
	var entries []map[string]string
	if ok {
		entries = s.recursiveEntriesLocked(sha, "")
	}
	s.mu.Unlock()
	if !ok {
		writeAPIError(w, http.StatusNotFound, "Not Found")
		return
	}
	if entries == nil {
		entries = []map[string]string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sha":       sha,
		"truncated": false,
		"tree":      entries,
	})
}

func (s *GitDataServer) handleCreateBlob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, http.StatusBadRequest, err.Error())
		return
	}

	var content []byte
	switch body.Encoding {
	case "base64":
		decoded, err := base64.StdEncoding.DecodeString(body.Content)
		if err != nil {
			writeAPIError(w, http.StatusUnprocessableEntity, "content is not valid base64")
			return
		}
		content = decoded
	case "", "utf-8":
		content = []byte(body.Content)
	default:
		writeAPIError(w, http.StatusUnprocessableEntity, "unsupported encoding")
		return
	}

	sha := graph.BlobSHA(content)
	s.mu.Lock()
	s.blobs[sha] = content
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]string{"sha": sha})
}

func (s *GitDataServer) handleCreateTree(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tree []struct {
			Path string `json:"path"`
			Mode string `json:"mode"`
			Type string `json:"type"`
			SHA  string `json:"sha"`
		} `json:"tree"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(body.Tree) == 0 {
		writeAPIError(w, http.StatusUnprocessableEntity, "tree has no entries")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]graph.TreeEntry, 0, len(body.Tree))
	for _, e := range body.Tree {
		_, isBlob := s.blobs[e.SHA]
		_, isTree := s.trees[e.SHA]
		if !isBlob && !isTree {
			writeAPIError(w, http.StatusUnprocessableEntity,
				fmt.Sprintf("tree entry %s references unknown object %s", e.Path, e.SHA))
			return
		}
		entries = append(entries, graph.TreeEntry{
			Name: e.Path,
			Mode: graph.FileMode(e.Mode),
			Type: graph.EntryType(e.Type),
			SHA:  e.SHA,
		})
	}

	sha := s.storeTreeLocked(entries)
	writeJSON(w, http.StatusCreated, map[string]string{"sha": sha})
}

func (s *GitDataServer) handleCreateCommit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message   string   `json:"message"`
		Tree      string   `json:"tree"`
		Parents   []string `json:"parents"`
		Signature string   `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.trees[body.Tree]; !ok {
		writeAPIError(w, http.StatusUnprocessableEntity,
			fmt.Sprintf("commit references unknown tree %s", body.Tree))
		return
	}
	for _, parent := range body.Parents {
		if _, ok := s.commits[parent]; !ok {
			writeAPIError(w, http.StatusUnprocessableEntity,
				fmt.Sprintf("commit references unknown parent %s", parent))
			return
		}
	}

	sha := s.storeCommitLocked(StoredCommit{
		TreeSHA:   body.Tree,
		Parents:   body.Parents,
		Message:   body.Message,
		Signature: body.Signature,
	})
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"sha":      sha,
		"html_url": fmt.Sprintf("https://example.invalid/%s/%s/commit/%s", s.config.Owner, s.config.Repo, sha),
	})
}

func (s *GitDataServer) handleCreateRef(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, http.StatusBadRequest, err.Error())
		return
	}

	ref := strings.TrimPrefix(body.Ref, "refs/")

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.refs[ref]; exists {
		writeAPIError(w, http.StatusUnprocessableEntity, "Reference already exists")
		return
	}
	if _, ok := s.commits[body.SHA]; !ok {
		writeAPIError(w, http.StatusUnprocessableEntity,
			fmt.Sprintf("unknown object %s", body.SHA))
		return
	}

	s.refs[ref] = body.SHA
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"ref":    body.Ref,
		"object": map[string]string{"type": "commit", "sha": body.SHA},
	})
}

func (s *GitDataServer) handleUpdateRef(w http.ResponseWriter, r *http.Request, ref string) {
	var body struct {
		SHA   string `json:"sha"`
		Force bool   `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.refs[ref]
	if !ok {
		writeAPIError(w, http.StatusUnprocessableEntity, "Reference does not exist")
		return
	}
	if _, ok := s.commits[body.SHA]; !ok {
		writeAPIError(w, http.StatusUnprocessableEntity,
			fmt.Sprintf("unknown object %s", body.SHA))
		return
	}
	if !body.Force && !s.fastForwardLocked(current, body.SHA) {
		writeAPIError(w, http.StatusUnprocessableEntity, "Update is not a fast forward")
		return
	}

	s.refs[ref] = body.SHA
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ref":    "refs/" + ref,
		"object": map[string]string{"type": "commit", "sha": body.SHA},
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeAPIError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
