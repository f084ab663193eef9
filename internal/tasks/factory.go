package tasks

import "context"

// NewStore returns a Postgres store when handles resolves to a database and
// an in-memory store otherwise.
func NewStore(ctx context.Context, handles Handles) (Store, error) {
	if handles == nil || handles.DB(ctx) == nil {
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(ctx, handles)
}
