package file

import (
	"context"
	"path/filepath"
	"testing"

	"charstream/internal/core/domain"
	"charstream/internal/core/ports"

	"github.com/stretchr/testify/assert"
)

func newTestStore(t *testing.T) ports.SessionStateRepository {
	t.Helper()
	store, err := NewFileSessionStore(filepath.Join(t.TempDir(), "state.json"))
	assert.NoError(t, err)
	return store
}

func TestHandleRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.LoadHandle(ctx)
	assert.ErrorIs(t, err, domain.ErrHandleNotFound)

	handle := &domain.StreamHandle{
		StreamID:  "stream-7",
		WhipURL:   "https://media.example.com/whip/stream-7",
		WhepURL:   "https://media.example.com/whep/stream-7",
		TaskID:    "task-7",
		SessionID: "session-7",
	}
	assert.NoError(t, store.SaveHandle(ctx, handle))

	loaded, err := store.LoadHandle(ctx)
	assert.NoError(t, err)
	assert.Equal(t, handle, loaded)

	assert.NoError(t, store.ClearHandle(ctx))
	_, err = store.LoadHandle(ctx)
	assert.ErrorIs(t, err, domain.ErrHandleNotFound)
}

func TestHandleSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()

	store, err := NewFileSessionStore(path)
	assert.NoError(t, err)
	assert.NoError(t, store.SaveHandle(ctx, &domain.StreamHandle{
		StreamID: "stream-1",
		WhipURL:  "https://media.example.com/whip/stream-1",
	}))

	reopened, err := NewFileSessionStore(path)
	assert.NoError(t, err)
	loaded, err := reopened.LoadHandle(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "stream-1", loaded.StreamID)
}

func TestSettings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	v, err := store.GetSetting(ctx, ports.SettingWhipURL)
	assert.NoError(t, err)
	assert.Empty(t, v)

	assert.NoError(t, store.SetSetting(ctx, ports.SettingWhipURL, "https://override/whip"))
	assert.NoError(t, store.SetSetting(ctx, ports.SettingBackgroundImage, "lounge.png"))

	v, err = store.GetSetting(ctx, ports.SettingWhipURL)
	assert.NoError(t, err)
	assert.Equal(t, "https://override/whip", v)
}

func TestClearKeepsSettings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	assert.NoError(t, store.SetSetting(ctx, ports.SettingWhepURL, "https://override/whep"))
	assert.NoError(t, store.SaveHandle(ctx, &domain.StreamHandle{StreamID: "s", WhipURL: "w"}))
	assert.NoError(t, store.ClearHandle(ctx))

	v, err := store.GetSetting(ctx, ports.SettingWhepURL)
	assert.NoError(t, err)
	assert.Equal(t, "https://override/whep", v)
}

func TestCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "state.json")
	store, err := NewFileSessionStore(path)
	assert.NoError(t, err)
	assert.NoError(t, store.SaveHandle(context.Background(), &domain.StreamHandle{StreamID: "s", WhipURL: "w"}))
}
