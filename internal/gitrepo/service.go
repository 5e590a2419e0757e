// Package gitrepo keeps the version history of every trade in its own git
// repository. Each save commits the markup of the five documents plus the
// shared pool, so any earlier state can be restored or compared field by
// field.
package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"tradeflow/api/internal/doctree"
	"tradeflow/api/internal/propagate"
	"tradeflow/api/internal/store"
)

const (
	documentsDir = "documents"
	poolFile     = "pool.json"
	mainBranch   = "main"
)

// Snapshot is what a commit records for a trade.
type Snapshot struct {
	Markup map[doctree.Kind]string `json:"markup"`
	Pool   map[string]string       `json:"pool"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
	now     func() time.Time
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

// EnsureTradeRepo initializes the trade's repository with a baseline
// commit. Existing repositories are left alone.
func (s *Service) EnsureTradeRepo(tradeID string, initial Snapshot, author string) error {
	lock := s.tradeLock(tradeID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(tradeID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}
	hash, err := s.commit(repo, initial, author, "Create trade from templates", true)
	if err != nil {
		return err
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(mainBranch), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// CommitSnapshot records snap when it differs from the head commit. The
// returned bool is false when nothing changed.
func (s *Service) CommitSnapshot(tradeID string, snap Snapshot, author, message string) (store.CommitInfo, bool, error) {
	lock := s.tradeLock(tradeID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(tradeID))
	if err != nil {
		return store.CommitInfo{}, false, fmt.Errorf("open repo: %w", err)
	}
	head, err := headCommit(repo)
	if err != nil {
		return store.CommitInfo{}, false, err
	}
	current, err := readSnapshot(head)
	if err != nil {
		return store.CommitInfo{}, false, err
	}
	if !HasChanges(current, snap) {
		return toCommitInfo(head, nil), false, nil
	}

	hash, err := s.commit(repo, snap, author, message, false)
	if err != nil {
		return store.CommitInfo{}, false, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj, DiffFields(current, snap)), true, nil
}

func (s *Service) GetHeadSnapshot(tradeID string) (Snapshot, store.CommitInfo, error) {
	lock := s.tradeLock(tradeID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(tradeID))
	if err != nil {
		return Snapshot{}, store.CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}
	head, err := headCommit(repo)
	if err != nil {
		return Snapshot{}, store.CommitInfo{}, err
	}
	snap, err := readSnapshot(head)
	if err != nil {
		return Snapshot{}, store.CommitInfo{}, err
	}
	return snap, toCommitInfo(head, nil), nil
}

func (s *Service) GetSnapshotByHash(tradeID, hash string) (Snapshot, error) {
	lock := s.tradeLock(tradeID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(tradeID))
	if err != nil {
		return Snapshot{}, fmt.Errorf("open repo: %w", err)
	}
	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return Snapshot{}, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readSnapshot(commitObj)
}

// History lists commits newest first. Each entry's Added/Removed count the
// fields that gained or lost a value relative to its parent.
func (s *Service) History(tradeID string, limit int) ([]store.CommitInfo, error) {
	lock := s.tradeLock(tradeID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(tradeID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := headCommit(repo)
	if err != nil {
		return nil, err
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.CommitInfo, 0, limit)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		var changes []FieldChange
		if parent, err := commitObj.Parent(0); err == nil {
			before, errBefore := readSnapshot(parent)
			after, errAfter := readSnapshot(commitObj)
			if errBefore == nil && errAfter == nil {
				changes = DiffFields(before, after)
			}
		}
		items = append(items, toCommitInfo(commitObj, changes))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// CreateTag names a commit, e.g. the version sent to the buyer.
func (s *Service) CreateTag(tradeID, hash, name string) error {
	lock := s.tradeLock(tradeID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(tradeID))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return err
	}
	_, err = repo.CreateTag(name, resolvedHash, &git.CreateTagOptions{
		Tagger: &object.Signature{
			Name:  "Tradeflow",
			Email: "tradeflow@localhost",
			When:  s.now(),
		},
		Message: name,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

// Tags maps tag names to the short hash they point at.
func (s *Service) Tags(tradeID string) (map[string]string, error) {
	lock := s.tradeLock(tradeID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(tradeID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	iter, err := repo.TagObjects()
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer iter.Close()

	tags := make(map[string]string)
	err = iter.ForEach(func(tag *object.Tag) error {
		tags[tag.Name] = tag.Target.String()[:7]
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}
	return tags, nil
}

func (s *Service) repoPath(tradeID string) string {
	return filepath.Join(s.baseDir, tradeID)
}

func (s *Service) tradeLock(tradeID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[tradeID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[tradeID] = lock
	return lock
}

func documentFile(kind doctree.Kind) string {
	return filepath.ToSlash(filepath.Join(documentsDir, fmt.Sprintf("%d_%s.html", int(kind), kind)))
}

func (s *Service) commit(repo *git.Repository, snap Snapshot, author, message string, allowEmpty bool) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()
	if err := os.MkdirAll(filepath.Join(root, documentsDir), 0o755); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("create documents dir: %w", err)
	}

	for _, kind := range doctree.Kinds() {
		name := documentFile(kind)
		if err := os.WriteFile(filepath.Join(root, filepath.FromSlash(name)), []byte(snap.Markup[kind]), 0o644); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("write %s: %w", name, err)
		}
		if _, err := worktree.Add(name); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("git add %s: %w", name, err)
		}
	}

	pool := snap.Pool
	if pool == nil {
		pool = map[string]string{}
	}
	payload, err := json.MarshalIndent(pool, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal pool: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, poolFile), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", poolFile, err)
	}
	if _, err := worktree.Add(poolFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add %s: %w", poolFile, err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: allowEmpty,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.tradeflow.dev", sanitizeEmail(author)),
			When:  s.now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit snapshot: %w", err)
	}
	return hash, nil
}

func headCommit(repo *git.Repository) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commitObj, nil
}

func readFile(commitObj *object.Commit, name string) ([]byte, error) {
	file, err := commitObj.File(name)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", name, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open %s reader: %w", name, err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func readSnapshot(commitObj *object.Commit) (Snapshot, error) {
	snap := Snapshot{Markup: make(map[doctree.Kind]string), Pool: make(map[string]string)}
	for _, kind := range doctree.Kinds() {
		raw, err := readFile(commitObj, documentFile(kind))
		if err != nil {
			return Snapshot{}, err
		}
		snap.Markup[kind] = string(raw)
	}
	raw, err := readFile(commitObj, poolFile)
	if err != nil {
		return Snapshot{}, err
	}
	if err := json.Unmarshal(raw, &snap.Pool); err != nil {
		return Snapshot{}, fmt.Errorf("decode pool: %w", err)
	}
	return snap, nil
}

// FieldChange is one field whose value differs between two snapshots.
type FieldChange struct {
	Step    doctree.Kind `json:"step"`
	FieldID string       `json:"fieldId"`
	Before  string       `json:"before"`
	After   string       `json:"after"`
}

// DiffFields compares the filled values of every document. Placeholders
// count as empty.
func DiffFields(from, to Snapshot) []FieldChange {
	var changes []FieldChange
	for _, kind := range doctree.Kinds() {
		before := extract(kind, from.Markup[kind])
		after := extract(kind, to.Markup[kind])
		ids := make(map[string]bool, len(before)+len(after))
		for id := range before {
			ids[id] = true
		}
		for id := range after {
			ids[id] = true
		}
		sorted := make([]string, 0, len(ids))
		for id := range ids {
			sorted = append(sorted, id)
		}
		sort.Strings(sorted)
		for _, id := range sorted {
			if before[id] == after[id] {
				continue
			}
			changes = append(changes, FieldChange{Step: kind, FieldID: id, Before: before[id], After: after[id]})
		}
	}
	return changes
}

func extract(kind doctree.Kind, markup string) map[string]string {
	if markup == "" {
		return nil
	}
	doc, err := doctree.Unmarshal(kind, markup)
	if err != nil {
		return nil
	}
	return propagate.Extract(doc)
}

// HasChanges reports whether any document or pool entry differs.
func HasChanges(from, to Snapshot) bool {
	for _, kind := range doctree.Kinds() {
		if from.Markup[kind] != to.Markup[kind] {
			return true
		}
	}
	if len(from.Pool) != len(to.Pool) {
		return true
	}
	for id, value := range from.Pool {
		if to.Pool[id] != value {
			return true
		}
	}
	return false
}

func toCommitInfo(commitObj *object.Commit, changes []FieldChange) store.CommitInfo {
	info := store.CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
	for _, change := range changes {
		switch {
		case change.Before == "":
			info.Added++
		case change.After == "":
			info.Removed++
		default:
			info.Added++
			info.Removed++
		}
	}
	return info
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
