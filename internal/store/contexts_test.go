package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTree(t *testing.T) *ContextStore {
	t.Helper()
	s := NewContextStore()
	// top ── F1 ── F1a
	//    └─ F2
	_, err := s.Add("top", "", "", "sess1")
	require.Nil(t, err)
	_, err = s.Add("F1", "top", "", "sess1")
	require.Nil(t, err)
	_, err = s.Add("F2", "top", "", "sess1")
	require.Nil(t, err)
	_, err = s.Add("F1a", "F1", "", "sess1")
	require.Nil(t, err)
	return s
}

func TestContextStoreAdd(t *testing.T) {
	t.Parallel()

	s := buildTree(t)
	c, err := s.Get("F1a")
	require.Nil(t, err)
	assert.Equal(t, "F1", c.Parent)
	assert.Equal(t, DefaultUserContext, c.UserContext)

	// Unknown parent is rejected.
	_, err = s.Add("orphan", "nope", "", "sess1")
	require.NotNil(t, err)
	assert.Equal(t, "no such frame", string(err.Code))

	// Duplicate ids are rejected.
	_, err = s.Add("top", "", "", "sess1")
	require.NotNil(t, err)
}

func TestContextStoreTopLevel(t *testing.T) {
	t.Parallel()

	s := buildTree(t)
	assert.Equal(t, "top", s.FindTopLevel("F1a"))
	assert.Equal(t, "top", s.FindTopLevel("F2"))
	assert.Equal(t, "top", s.FindTopLevel("top"))
	// Unknown ids come back unchanged.
	assert.Equal(t, "ghost", s.FindTopLevel("ghost"))

	assert.True(t, s.IsTopLevel("top"))
	assert.False(t, s.IsTopLevel("F1"))
	assert.ElementsMatch(t, []string{"top"}, s.TopLevels())
}

func TestContextStoreRemovePostOrder(t *testing.T) {
	t.Parallel()

	s := buildTree(t)
	order := s.Remove("top")
	assert.Equal(t, []string{"F1a", "F1", "F2", "top"}, order)
	for _, id := range order {
		assert.False(t, s.Has(id))
	}
}

func TestContextStoreRemoveSubtree(t *testing.T) {
	t.Parallel()

	s := buildTree(t)
	order := s.Remove("F1")
	assert.Equal(t, []string{"F1a", "F1"}, order)
	assert.True(t, s.Has("top"))
	assert.True(t, s.Has("F2"))
	assert.Equal(t, []string{"F2"}, s.Children("top"))
}

func TestNavigationLifecycle(t *testing.T) {
	t.Parallel()

	s := buildTree(t)
	nav, superseded, err := s.StartNavigation("top", "https://example.test/")
	require.Nil(t, err)
	require.NotNil(t, nav)
	assert.Nil(t, superseded)
	assert.NotEmpty(t, nav.ID)
	assert.Equal(t, NavigationPending, nav.State)

	committed := s.CommitNavigation("top", "https://example.test/")
	require.NotNil(t, committed)
	assert.Equal(t, NavigationCommitting, committed.State)

	c, _ := s.Get("top")
	assert.Equal(t, "https://example.test/", c.URL)

	done := s.FinishNavigation("top")
	require.NotNil(t, done)
	assert.Equal(t, NavigationCommitted, done.State)
}

func TestNavigationSupersede(t *testing.T) {
	t.Parallel()

	s := buildTree(t)
	first, _, err := s.StartNavigation("top", "https://a.test/")
	require.Nil(t, err)

	second, superseded, err := s.StartNavigation("top", "https://b.test/")
	require.Nil(t, err)
	require.NotNil(t, superseded)
	assert.Equal(t, first.ID, superseded.ID)
	assert.Equal(t, NavigationAborted, superseded.State)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, NavigationPending, second.State)
}

func TestNavigationFail(t *testing.T) {
	t.Parallel()

	s := buildTree(t)
	nav, _, err := s.StartNavigation("top", "https://a.test/")
	require.Nil(t, err)
	failed := s.FailNavigation("top")
	require.NotNil(t, failed)
	assert.Equal(t, nav.ID, failed.ID)
	assert.Equal(t, NavigationFailed, failed.State)
	// Terminal navigations do not transition again.
	assert.Nil(t, s.FinishNavigation("top"))
}

func TestUserContextStore(t *testing.T) {
	t.Parallel()

	s := NewUserContextStore()
	_, err := s.Get(DefaultUserContext)
	require.Nil(t, err)

	uc := s.Create("cdp-ctx-1")
	assert.NotEmpty(t, uc.ID)
	got, err := s.Get(uc.ID)
	require.Nil(t, err)
	assert.Equal(t, "cdp-ctx-1", got.CDPBrowserContext)

	// The default user context is indestructible.
	_, err = s.Remove(DefaultUserContext)
	require.NotNil(t, err)
	assert.Equal(t, "invalid argument", string(err.Code))

	_, err = s.Remove(uc.ID)
	require.Nil(t, err)
	_, err = s.Get(uc.ID)
	require.NotNil(t, err)
	assert.Equal(t, "no such user context", string(err.Code))

	list := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, DefaultUserContext, list[0].ID)
}
