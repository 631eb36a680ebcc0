package api

import (
	"context"

	"taskboard-api/domain"
)

// Store abstracts board persistence for handlers.
type Store interface {
	LoadTasks(ctx context.Context, boardID string) ([]domain.Task, error)
	SaveTasks(ctx context.Context, boardID string, tasks []domain.Task) error
}

// Identity describes the authenticated caller. Role is carried as an opaque
// fact for logging and attribution; handlers never branch on it.
type Identity struct {
	UserID string
	Role   string
}

// Authenticator is implemented by types able to extract identities from headers.
type Authenticator interface {
	IdentityFromAuthHeader(string) (Identity, error)
}

// AlertDeduper suppresses repeat deadline alerts across rescan cycles and
// instances.
type AlertDeduper interface {
	// AddMany records the alert keys and reports which were newly added.
	AddMany(ctx context.Context, boardID string, keys []string) ([]bool, error)
	// Remove deletes a previously added key, used when delivery fails so the
	// alert can fire again.
	Remove(ctx context.Context, boardID, key string) error
}

// Publisher announces board updates on the fan-out channel shared by all
// instances.
type Publisher interface {
	PublishUpdate(ctx context.Context, msg UpdateMessage) error
}
