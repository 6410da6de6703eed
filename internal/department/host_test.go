package department

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/directord/internal/registry"
)

func TestHost_CreateAndGet(t *testing.T) {
	deps, reg := newTestDeps(t)
	s := newTestSession(t, reg)

	h := NewHost(testDepartmentConfig(), deps)
	t.Cleanup(func() { _ = h.Close() })

	d, err := h.Create(context.Background(), "engineering", "engineering", s.ID)
	require.NoError(t, err)

	got, ok := h.Get("engineering")
	require.True(t, ok)
	assert.Equal(t, d.ID(), got.ID())
	assert.Len(t, h.List(), 1)
}

func TestHost_RejectsDuplicateName(t *testing.T) {
	deps, reg := newTestDeps(t)
	s := newTestSession(t, reg)

	h := NewHost(testDepartmentConfig(), deps)
	t.Cleanup(func() { _ = h.Close() })

	_, err := h.Create(context.Background(), "qa", "quality", s.ID)
	require.NoError(t, err)

	_, err = h.Create(context.Background(), "qa", "quality", s.ID)
	assert.ErrorIs(t, err, ErrDepartmentExists)
}

func TestHost_CloseSession(t *testing.T) {
	deps, reg := newTestDeps(t)
	s1 := newTestSession(t, reg)
	s2, err := reg.RegisterSession(&registry.Session{Type: "director", Name: "other-session"})
	require.NoError(t, err)

	h := NewHost(testDepartmentConfig(), deps)
	t.Cleanup(func() { _ = h.Close() })

	_, err = h.Create(context.Background(), "engineering", "engineering", s1.ID)
	require.NoError(t, err)
	kept, err := h.Create(context.Background(), "qa", "quality", s2.ID)
	require.NoError(t, err)

	h.CloseSession(context.Background(), s1.ID)

	_, ok := h.Get("engineering")
	assert.False(t, ok)
	got, ok := h.Get("qa")
	require.True(t, ok)
	assert.Equal(t, kept.ID(), got.ID())
}

func TestHost_CloseRejectsFurtherCreates(t *testing.T) {
	deps, reg := newTestDeps(t)
	s := newTestSession(t, reg)

	h := NewHost(testDepartmentConfig(), deps)
	require.NoError(t, h.Close())

	_, err := h.Create(context.Background(), "engineering", "engineering", s.ID)
	assert.ErrorIs(t, err, ErrClosed)
}
