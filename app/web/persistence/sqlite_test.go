package persistence

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/quickblog/app/web/enums"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewSQLiteStore(t *testing.T) {
	t.Run("successful creation", func(t *testing.T) {
		store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.sqlite"))
		require.NoError(t, err)
		assert.NotNil(t, store)
		require.NoError(t, store.Close())
	})

	t.Run("invalid path", func(t *testing.T) {
		store, err := NewSQLiteStore("/invalid/path/that/does/not/exist/test.sqlite")
		assert.Error(t, err)
		assert.Nil(t, store)
	})
}

func TestSQLiteStore_TablesCreated(t *testing.T) {
	store := newTestStore(t)

	for _, table := range []string{"user", "post"} {
		var count int
		err := store.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, table)
	}
}

func TestSQLiteStore_Users(t *testing.T) {
	store := newTestStore(t)

	u, err := store.CreateUser("john", "hash1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.ID)
	assert.Equal(t, enums.ThemeAuto, u.Theme)

	_, err = store.CreateUser("john", "hash2")
	require.ErrorIs(t, err, ErrUserExists)

	_, err = store.CreateUser("ann", "hash3")
	require.NoError(t, err)

	got, err := store.GetUserByName("john")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, "hash1", got.PasswordHash)
	assert.WithinDuration(t, time.Now(), got.CreatedAt, 2*time.Second)

	got, err = store.GetUserByID(u.ID)
	require.NoError(t, err)
	assert.Equal(t, "john", got.Username)

	_, err = store.GetUserByName("nobody")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetUserByID(100)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SetUserTheme(u.ID, enums.ThemeDark))
	got, err = store.GetUserByID(u.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.ThemeDark, got.Theme)
	require.ErrorIs(t, store.SetUserTheme(100, enums.ThemeDark), ErrNotFound)

	var stored string
	require.NoError(t, store.db.Get(&stored, "SELECT theme FROM user WHERE id = ?", u.ID))
	assert.Equal(t, "dark", stored, "theme kept by name")

	_, err = store.db.Exec("UPDATE user SET theme = 'neon' WHERE id = ?", u.ID)
	require.NoError(t, err)
	_, err = store.GetUserByID(u.ID)
	require.Error(t, err, "unknown stored theme is rejected")
	require.NoError(t, store.SetUserTheme(u.ID, enums.ThemeDark))

	users, err := store.ListUsers()
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "john", users[0].Username)
	assert.Equal(t, "ann", users[1].Username)
}

func TestSQLiteStore_Posts(t *testing.T) {
	store := newTestStore(t)
	author, err := store.CreateUser("john", "hash")
	require.NoError(t, err)

	id1, err := store.CreatePost(author.ID, "first", "body 1")
	require.NoError(t, err)
	id2, err := store.CreatePost(author.ID, "second", "body 2")
	require.NoError(t, err)

	post, err := store.GetPost(id1)
	require.NoError(t, err)
	assert.Equal(t, "first", post.Title)
	assert.Equal(t, "body 1", post.Body)
	assert.Equal(t, "john", post.Author)
	assert.Equal(t, author.ID, post.AuthorID)

	posts, err := store.ListPosts()
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, id2, posts[0].ID, "newest first")
	assert.Equal(t, id1, posts[1].ID)

	require.NoError(t, store.UpdatePost(id1, "updated", "new body"))
	post, err = store.GetPost(id1)
	require.NoError(t, err)
	assert.Equal(t, "updated", post.Title)
	assert.Equal(t, "new body", post.Body)
	require.ErrorIs(t, store.UpdatePost(100, "x", "y"), ErrNotFound)

	require.NoError(t, store.DeletePost(id1))
	_, err = store.GetPost(id1)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, store.DeletePost(id1), ErrNotFound)

	counts, err := store.Counts()
	require.NoError(t, err)
	assert.Equal(t, Counts{Users: 1, Posts: 1}, counts)
}

func TestSQLiteStore_PostRequiresAuthor(t *testing.T) {
	store := newTestStore(t)
	_, err := store.CreatePost(42, "orphan", "")
	require.Error(t, err, "foreign key enforced")
}

func TestSQLiteStore_Reset(t *testing.T) {
	store := newTestStore(t)
	author, err := store.CreateUser("john", "hash")
	require.NoError(t, err)
	_, err = store.CreatePost(author.ID, "title", "body")
	require.NoError(t, err)

	require.NoError(t, store.Reset())

	counts, err := store.Counts()
	require.NoError(t, err)
	assert.Equal(t, Counts{}, counts)

	u, err := store.CreateUser("john", "hash")
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.ID, "ids start over after reset")
}
