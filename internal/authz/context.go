package authz

import "context"

type actorKey struct{}

// ContextWithActor stores the authenticated actor's user ID. The surrounding
// application authenticates requests; this subsystem only consumes the
// resulting identity.
func ContextWithActor(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, actorKey{}, userID)
}

// ActorFromContext returns the authenticated actor, if any.
func ActorFromContext(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(actorKey{}).(int64)
	return userID, ok
}
