// Package history keeps every loaded snapshot as a commit in a local git
// repository, one JSON file per report variant.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const branch = "main"

var ErrUnknownVariant = errors.New("unknown snapshot variant")

type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	dir string
	mu  sync.Mutex
}

func New(dir string) *Service {
	return &Service{dir: dir}
}

func fileName(variant string) (string, error) {
	switch variant {
	case "stage", "owner":
		return variant + ".json", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownVariant, variant)
}

// open returns the repository, creating it with an empty main branch on
// first use.
func (s *Service) open() (*git.Repository, error) {
	repo, err := git.PlainOpen(s.dir)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(s.dir, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branch))); err != nil {
		return nil, fmt.Errorf("set HEAD to %s: %w", branch, err)
	}
	return repo, nil
}

// Record writes snapshot as <variant>.json and commits it. An unchanged
// snapshot creates no commit; the latest commit is returned with changed
// false.
func (s *Service) Record(variant string, snapshot any, author, message string) (Commit, bool, error) {
	name, err := fileName(variant)
	if err != nil {
		return Commit{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := s.open()
	if err != nil {
		return Commit{}, false, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Commit{}, false, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return Commit{}, false, fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, name), append(payload, '\n'), 0o644); err != nil {
		return Commit{}, false, fmt.Errorf("write %s: %w", name, err)
	}
	if _, err := worktree.Add(name); err != nil {
		return Commit{}, false, fmt.Errorf("git add %s: %w", name, err)
	}

	status, err := worktree.Status()
	if err != nil {
		return Commit{}, false, fmt.Errorf("worktree status: %w", err)
	}
	if status.IsClean() {
		latest, err := s.latest(repo, name)
		return latest, false, err
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: "reports@dealwatch.local",
			When:  time.Now(),
		},
	})
	if err != nil {
		return Commit{}, false, fmt.Errorf("commit %s: %w", name, err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Commit{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toCommit(commitObj), true, nil
}

func (s *Service) latest(repo *git.Repository, name string) (Commit, error) {
	commits, err := s.log(repo, name, 1)
	if err != nil || len(commits) == 0 {
		return Commit{}, err
	}
	return commits[0], nil
}

// History lists the commits touching the variant's file, newest first.
func (s *Service) History(variant string, limit int) ([]Commit, error) {
	name, err := fileName(variant)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := s.open()
	if err != nil {
		return nil, err
	}
	return s.log(repo, name, limit)
}

func (s *Service) log(repo *git.Repository, name string, limit int) ([]Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []Commit{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branch, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash(), FileName: &name})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Commit, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommit(commitObj))
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

// Snapshot returns the variant's JSON as of the commit hash (short hashes
// are resolved).
func (s *Service) Snapshot(variant, hash string) ([]byte, error) {
	name, err := fileName(variant)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := s.open()
	if err != nil {
		return nil, err
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return nil, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	commitObj, err := repo.CommitObject(*resolved)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", hash, err)
	}
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

func toCommit(commitObj *object.Commit) Commit {
	return Commit{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}
