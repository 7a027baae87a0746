package ports

import (
	"context"

	"charstream/internal/core/domain"
)

// Fixed keys read from the local state store at session start. The
// values are opaque startup parameters to this client.
const (
	SettingWhipURL         = "stream.whip_url"
	SettingWhepURL         = "stream.whep_url"
	SettingBackgroundImage = "stream.background_image"
)

// SessionStateRepository persists the granted stream handle (for
// page-reload style resilience) and the small set of fixed settings the
// session reads at start. LoadHandle returns domain.ErrHandleNotFound
// when nothing is persisted.
type SessionStateRepository interface {
	SaveHandle(ctx context.Context, h *domain.StreamHandle) error
	LoadHandle(ctx context.Context) (*domain.StreamHandle, error)
	ClearHandle(ctx context.Context) error
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}
