package auth

import "context"

type contextKey string

const userKey contextKey = "user"

// User is the authenticated caller behind a request.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Actor is the name recorded in created_by / applied_by columns.
func (u User) Actor() string {
	if u.Email != "" {
		return u.Email
	}
	return u.ID
}

// ContextWithUser returns a new context that carries the authenticated user.
func ContextWithUser(ctx context.Context, user User) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, userKey, user)
}

// UserFromContext retrieves the authenticated user from the context, if any.
func UserFromContext(ctx context.Context) (User, bool) {
	if ctx == nil {
		return User{}, false
	}
	user, ok := ctx.Value(userKey).(User)
	if !ok || user.ID == "" {
		return User{}, false
	}
	return user, true
}

// ActorFromContext returns the actor of the authenticated user or "" when anonymous.
func ActorFromContext(ctx context.Context) string {
	user, ok := UserFromContext(ctx)
	if !ok {
		return ""
	}
	return user.Actor()
}
