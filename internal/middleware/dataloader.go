package middleware

import (
	"context"
	"net/http"

	"github.com/rpattn/cvsync/internal/changeloader"
	"github.com/rpattn/cvsync/internal/repository"
)

type ctxKey string

const changeLoaderKey ctxKey = "changeLoader"

// DataLoaderMiddleware attaches a per-request change loader to the request context
func DataLoaderMiddleware(repo repository.StagedChangeRepository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			loader := changeloader.NewChangeLoader(repo)
			ctx := context.WithValue(r.Context(), changeLoaderKey, loader)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ChangeLoaderFromContext retrieves the change loader from context
func ChangeLoaderFromContext(ctx context.Context) *changeloader.ChangeLoader {
	if l, ok := ctx.Value(changeLoaderKey).(*changeloader.ChangeLoader); ok {
		return l
	}
	return nil
}
