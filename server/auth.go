package server

import (
	"context"
	"net/http"

	"github.com/tutorlink/chatkit/auth"
)

type identityKey struct{}

func contextWithIdentity(ctx context.Context, id auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func identityFromContext(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(auth.Identity)
	return id, ok
}

// identityFromRequest extracts the caller's identity from the request
// context. It must only be called from handlers behind jwtMiddleware; it
// panics otherwise.
func identityFromRequest(r *http.Request) auth.Identity {
	id, ok := identityFromContext(r.Context())
	if !ok {
		panic("identity not in request context: handler is missing jwtMiddleware")
	}
	return id
}

// jwtMiddleware validates the bearer token and attaches the caller's
// identity to the request context for downstream handlers.
func jwtMiddleware(secret []byte) middleware {
	authErr := newAPIError(http.StatusUnauthorized, "unauthenticated")

	return func(next http.Handler) handlerFunc {
		return func(w http.ResponseWriter, r *http.Request) error {
			token := bearerToken(r)
			if token == "" {
				return authErr
			}
			claims, err := auth.VerifyToken(token, secret)
			if err != nil {
				return authErr
			}
			id := auth.Identity{UserID: claims.Subject, Name: claims.Name}
			next.ServeHTTP(w, r.WithContext(contextWithIdentity(r.Context(), id)))
			return nil
		}
	}
}
