package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"gatekeeper/internal/registry"
	dErrors "gatekeeper/pkg/domain-errors"
	"gatekeeper/pkg/platform/httputil"
	"gatekeeper/pkg/requestcontext"
)

// MembershipChecker answers whether an address belongs to a registry.
type MembershipChecker interface {
	IsAuthorized(ctx context.Context, name string, addr registry.Address) (bool, error)
	RecordDenied(ctx context.Context, name string, actor registry.Address)
}

// RequireMember admits only callers that are members of the registry. With an
// empty name the registry is taken from the {name} route parameter. It must run
// after the actor has been authenticated.
func RequireMember(checker MembershipChecker, name string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			registryName := name
			if registryName == "" {
				registryName = chi.URLParam(r, "name")
			}

			actor, ok := requestcontext.Actor(ctx)
			if !ok {
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "caller address is required"))
				return
			}

			member, err := checker.IsAuthorized(ctx, registryName, actor)
			if err != nil {
				httputil.WriteError(w, err)
				return
			}
			if !member {
				logger.WarnContext(ctx, "membership check failed",
					"registry", registryName,
					"actor", actor.Hex(),
					"request_id", requestcontext.RequestID(ctx),
				)
				checker.RecordDenied(ctx, registryName, actor)
				httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "caller is not an authorized member"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
