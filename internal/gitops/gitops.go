// Package gitops wraps go-git for the workspace repository the director
// snapshots and rolls back. Operations are serialized with a mutex because
// go-git worktrees are not safe for concurrent mutation.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/directord/internal/config"
	"github.com/fyrsmithlabs/directord/internal/logging"
)

// Errors for git operations.
var (
	ErrNoRepository   = errors.New("no repository")
	ErrBranchExists   = errors.New("branch already exists")
	ErrBranchNotFound = errors.New("branch not found")
	ErrTagExists      = errors.New("tag already exists")
	ErrTagNotFound    = errors.New("tag not found")
)

// State is a point-in-time view of the repository, captured into
// checkpoint snapshots and used by restore to return to a known commit.
type State struct {
	Branch         string `json:"branch,omitempty"`
	Commit         string `json:"commit,omitempty"`
	Clean          bool   `json:"clean"`
	ModifiedFiles  int    `json:"modified_files,omitempty"`
	UntrackedFiles int    `json:"untracked_files,omitempty"`
}

// Manager performs git operations on a single workspace repository.
type Manager struct {
	path   string
	name   string
	email  string
	logger *logging.Logger

	mu   sync.Mutex
	repo *git.Repository
}

// NewManager creates a manager for the repository at cfg.RepoPath. The
// repository is opened lazily; call EnsureRepo to create it.
func NewManager(cfg config.GitConfig, logger *logging.Logger) (*Manager, error) {
	if cfg.RepoPath == "" {
		return nil, fmt.Errorf("git repository path required")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	name := cfg.AuthorName
	if name == "" {
		name = "directord"
	}
	email := cfg.AuthorEmail
	if email == "" {
		email = "directord@localhost"
	}
	return &Manager{path: cfg.RepoPath, name: name, email: email, logger: logger}, nil
}

// Path returns the workspace path.
func (m *Manager) Path() string {
	return m.path
}

// EnsureRepo opens the repository, initializing it with an empty root
// commit when the path holds no repository yet.
func (m *Manager) EnsureRepo(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.repo != nil {
		return nil
	}

	repo, err := git.PlainOpen(m.path)
	if err == nil {
		m.repo = repo
		return nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return fmt.Errorf("failed to open repository: %w", err)
	}

	if err := os.MkdirAll(m.path, 0700); err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	repo, err = git.PlainInit(m.path, false)
	if err != nil {
		return fmt.Errorf("failed to init repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open worktree: %w", err)
	}
	// A root commit gives branches and tags something to point at.
	if _, err := wt.Commit("initial workspace", &git.CommitOptions{
		Author:            m.signature(),
		AllowEmptyCommits: true,
	}); err != nil {
		return fmt.Errorf("failed to create initial commit: %w", err)
	}
	m.repo = repo
	m.logger.Info(ctx, "workspace repository initialized", zap.String("path", m.path))
	return nil
}

// CurrentBranch returns the checked-out branch, or "" on a detached HEAD.
func (m *Manager) CurrentBranch(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	repo, err := m.open()
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", nil
	}
	return head.Name().Short(), nil
}

// CurrentCommit returns the HEAD commit hash.
func (m *Manager) CurrentCommit(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	repo, err := m.open()
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// CreateBranch creates a branch at HEAD without switching to it.
func (m *Manager) CreateBranch(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	repo, err := m.open()
	if err != nil {
		return err
	}
	refName := plumbing.NewBranchReferenceName(name)
	if _, err := repo.Reference(refName, false); err == nil {
		return fmt.Errorf("%w: %s", ErrBranchExists, name)
	}
	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(refName, head.Hash())); err != nil {
		return fmt.Errorf("failed to create branch: %w", err)
	}
	m.logger.Debug(ctx, "branch created", zap.String("branch", name))
	return nil
}

// SwitchBranch checks out an existing branch.
func (m *Manager) SwitchBranch(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	repo, err := m.open()
	if err != nil {
		return err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open worktree: %w", err)
	}
	err = wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(name)})
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return fmt.Errorf("%w: %s", ErrBranchNotFound, name)
		}
		return fmt.Errorf("failed to switch branch: %w", err)
	}
	m.logger.Debug(ctx, "branch switched", zap.String("branch", name))
	return nil
}

// ResetTo hard-resets the worktree to the given commit.
func (m *Manager) ResetTo(ctx context.Context, commit string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	repo, err := m.open()
	if err != nil {
		return err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open worktree: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{
		Commit: plumbing.NewHash(commit),
		Mode:   git.HardReset,
	}); err != nil {
		return fmt.Errorf("failed to reset to %s: %w", commit, err)
	}
	m.logger.Info(ctx, "worktree reset", zap.String("commit", commit))
	return nil
}

// Commit stages all changes and commits them. Metadata entries become
// trailer lines on the commit message. Empty commits are allowed so
// checkpoint markers always produce a commit.
func (m *Manager) Commit(ctx context.Context, message string, meta map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	repo, err := m.open()
	if err != nil {
		return "", err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to open worktree: %w", err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("failed to stage changes: %w", err)
	}
	if len(meta) > 0 {
		keys := make([]string, 0, len(meta))
		for k := range meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var sb strings.Builder
		sb.WriteString(message)
		sb.WriteString("\n")
		for _, k := range keys {
			sb.WriteString("\n")
			sb.WriteString(k)
			sb.WriteString(": ")
			sb.WriteString(meta[k])
		}
		message = sb.String()
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author:            m.signature(),
		AllowEmptyCommits: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return hash.String(), nil
}

// CreateTag creates a lightweight tag at HEAD.
func (m *Manager) CreateTag(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	repo, err := m.open()
	if err != nil {
		return err
	}
	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	if _, err := repo.CreateTag(name, head.Hash(), nil); err != nil {
		if errors.Is(err, git.ErrTagExists) {
			return fmt.Errorf("%w: %s", ErrTagExists, name)
		}
		return fmt.Errorf("failed to create tag: %w", err)
	}
	return nil
}

// DeleteTag removes a tag.
func (m *Manager) DeleteTag(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	repo, err := m.open()
	if err != nil {
		return err
	}
	if err := repo.DeleteTag(name); err != nil {
		if errors.Is(err, git.ErrTagNotFound) {
			return fmt.Errorf("%w: %s", ErrTagNotFound, name)
		}
		return fmt.Errorf("failed to delete tag: %w", err)
	}
	return nil
}

// ListBranches returns branch names sorted.
func (m *Manager) ListBranches(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	repo, err := m.open()
	if err != nil {
		return nil, err
	}
	iter, err := repo.Branches()
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	var names []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		names = append(names, ref.Name().Short())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate branches: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// ListTags returns tag names sorted.
func (m *Manager) ListTags(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	repo, err := m.open()
	if err != nil {
		return nil, err
	}
	iter, err := repo.Tags()
	if err != nil {
		return nil, fmt.Errorf("failed to list tags: %w", err)
	}
	var names []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		names = append(names, ref.Name().Short())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate tags: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Status reports the working tree state.
func (m *Manager) Status(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	repo, err := m.open()
	if err != nil {
		return State{}, err
	}
	return m.stateLocked(repo)
}

// Capture returns the repository state for a checkpoint snapshot. A
// missing repository yields a zero state rather than an error so
// checkpoints work for sessions without a workspace.
func (m *Manager) Capture(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	repo, err := m.open()
	if err != nil {
		if errors.Is(err, ErrNoRepository) {
			return State{}, nil
		}
		return State{}, err
	}
	return m.stateLocked(repo)
}

func (m *Manager) stateLocked(repo *git.Repository) (State, error) {
	var st State
	head, err := repo.Head()
	if err != nil {
		return st, fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	st.Commit = head.Hash().String()
	if head.Name().IsBranch() {
		st.Branch = head.Name().Short()
	}
	wt, err := repo.Worktree()
	if err != nil {
		return st, fmt.Errorf("failed to open worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return st, fmt.Errorf("failed to read status: %w", err)
	}
	st.Clean = status.IsClean()
	for _, fs := range status {
		if fs.Worktree == git.Untracked {
			st.UntrackedFiles++
			continue
		}
		if fs.Worktree != git.Unmodified || fs.Staging != git.Unmodified {
			st.ModifiedFiles++
		}
	}
	return st, nil
}

// open returns the repository, opening it from disk on first use.
// Caller holds mu.
func (m *Manager) open() (*git.Repository, error) {
	if m.repo != nil {
		return m.repo, nil
	}
	repo, err := git.PlainOpen(m.path)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrNoRepository, m.path)
		}
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	m.repo = repo
	return repo, nil
}

func (m *Manager) signature() *object.Signature {
	return &object.Signature{Name: m.name, Email: m.email, When: time.Now()}
}
