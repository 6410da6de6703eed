package gitops

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/directord/internal/config"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	m, err := NewManager(config.GitConfig{
		RepoPath:    dir,
		AuthorName:  "directord",
		AuthorEmail: "directord@localhost",
	}, nil)
	require.NoError(t, err)
	require.NoError(t, m.EnsureRepo(context.Background()))
	return m, dir
}

func writeWorkspaceFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestNewManager_RequiresPath(t *testing.T) {
	_, err := NewManager(config.GitConfig{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repository path required")
}

func TestEnsureRepo_InitializesWithRootCommit(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	commit, err := m.CurrentCommit(ctx)
	require.NoError(t, err)
	assert.Len(t, commit, 40)

	// Idempotent
	require.NoError(t, m.EnsureRepo(ctx))

	branch, err := m.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, branch)
}

func TestCommit_StagesAllAndRecordsTrailers(t *testing.T) {
	m, dir := newTestManager(t)
	ctx := context.Background()

	writeWorkspaceFile(t, dir, "main.go", "package main\n")
	hash, err := m.Commit(ctx, "add main", map[string]string{"session": "s-1", "checkpoint": "cp-1"})
	require.NoError(t, err)
	assert.Len(t, hash, 40)

	st, err := m.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Clean)
	assert.Equal(t, hash, st.Commit)
}

func TestCommit_AllowsEmpty(t *testing.T) {
	m, _ := newTestManager(t)
	hash, err := m.Commit(context.Background(), "checkpoint marker", nil)
	require.NoError(t, err)
	assert.Len(t, hash, 40)
}

func TestBranches(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.CreateBranch(ctx, "feature/login"))

	err := m.CreateBranch(ctx, "feature/login")
	assert.ErrorIs(t, err, ErrBranchExists)

	branches, err := m.ListBranches(ctx)
	require.NoError(t, err)
	assert.Contains(t, branches, "feature/login")

	require.NoError(t, m.SwitchBranch(ctx, "feature/login"))
	branch, err := m.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "feature/login", branch)

	assert.ErrorIs(t, m.SwitchBranch(ctx, "no-such-branch"), ErrBranchNotFound)
}

func TestTags(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.CreateTag(ctx, "checkpoint-cp-1"))
	assert.ErrorIs(t, m.CreateTag(ctx, "checkpoint-cp-1"), ErrTagExists)

	tags, err := m.ListTags(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"checkpoint-cp-1"}, tags)

	require.NoError(t, m.DeleteTag(ctx, "checkpoint-cp-1"))
	assert.ErrorIs(t, m.DeleteTag(ctx, "checkpoint-cp-1"), ErrTagNotFound)
}

func TestResetTo_RestoresFileContent(t *testing.T) {
	m, dir := newTestManager(t)
	ctx := context.Background()

	writeWorkspaceFile(t, dir, "config.yaml", "version: 1\n")
	first, err := m.Commit(ctx, "v1", nil)
	require.NoError(t, err)

	writeWorkspaceFile(t, dir, "config.yaml", "version: 2\n")
	_, err = m.Commit(ctx, "v2", nil)
	require.NoError(t, err)

	require.NoError(t, m.ResetTo(ctx, first))

	data, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "version: 1\n", string(data))

	commit, err := m.CurrentCommit(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, commit)
}

func TestStatus_CountsDirtyFiles(t *testing.T) {
	m, dir := newTestManager(t)
	ctx := context.Background()

	writeWorkspaceFile(t, dir, "tracked.txt", "one\n")
	_, err := m.Commit(ctx, "add tracked", nil)
	require.NoError(t, err)

	writeWorkspaceFile(t, dir, "tracked.txt", "two\n")
	writeWorkspaceFile(t, dir, "new.txt", "hello\n")

	st, err := m.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Clean)
	assert.Equal(t, 1, st.ModifiedFiles)
	assert.Equal(t, 1, st.UntrackedFiles)
}

func TestCapture_ToleratesMissingRepository(t *testing.T) {
	m, err := NewManager(config.GitConfig{RepoPath: t.TempDir()}, nil)
	require.NoError(t, err)

	st, err := m.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, State{}, st)
}

func TestStatus_MissingRepositoryErrors(t *testing.T) {
	m, err := NewManager(config.GitConfig{RepoPath: t.TempDir()}, nil)
	require.NoError(t, err)

	_, err = m.Status(context.Background())
	assert.ErrorIs(t, err, ErrNoRepository)
}
