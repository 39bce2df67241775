package accountpool

import "context"

// Store is the persistence boundary for Amazon Q credentials. The manager
// treats records as immutable snapshots: Load returns the full set, Save
// replaces one record wholesale, Remove drops it.
type Store interface {
	// Load returns every credential the backend currently holds.
	Load(ctx context.Context) ([]*Auth, error)
	// Save persists auth, replacing any existing record with the same ID.
	Save(ctx context.Context, auth *Auth) error
	// Remove deletes the credential identified by id; removing an unknown
	// id is not an error.
	Remove(ctx context.Context, id string) error
}
