package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/comicmarket/internal/crypto"
	"github.com/alanyoungcy/comicmarket/internal/domain"
)

// Headers set by the identity service in front of the API.
const (
	HeaderActorID   = "X-Actor-ID"
	HeaderAccountID = "X-Account-ID"
	HeaderWallet    = "X-Wallet-Address"
	HeaderTimestamp = "X-Identity-Timestamp"
	HeaderSignature = "X-Identity-Signature"
)

type actorKey struct{}

// WithActor returns a context carrying a.
func WithActor(ctx context.Context, a domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the authenticated actor, if any.
func ActorFrom(ctx context.Context) (domain.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(domain.Actor)
	return a, ok && a.ID != ""
}

// Identity reads the actor headers into the request context. Requests
// without X-Actor-ID pass through anonymously. When auth is non-nil the
// headers must carry a valid identity-service signature.
func Identity(auth *crypto.IdentityAuth, now func() time.Time) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := domain.Actor{
				ID:            strings.TrimSpace(r.Header.Get(HeaderActorID)),
				AccountID:     strings.TrimSpace(r.Header.Get(HeaderAccountID)),
				WalletAddress: strings.TrimSpace(r.Header.Get(HeaderWallet)),
			}
			if actor.ID == "" {
				next.ServeHTTP(w, r)
				return
			}
			if auth != nil {
				err := auth.Verify(now(),
					r.Header.Get(HeaderTimestamp),
					actor.ID, actor.AccountID, actor.WalletAddress,
					r.Header.Get(HeaderSignature),
				)
				if err != nil {
					writeUnauthorized(w, "invalid identity signature")
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}
