package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"gatekeeper/internal/registry"
	"gatekeeper/internal/registry/service"
	dErrors "gatekeeper/pkg/domain-errors"
	audit "gatekeeper/pkg/platform/audit"
	"gatekeeper/pkg/platform/httputil"
	"gatekeeper/pkg/requestcontext"
)

// Service is the registry service as seen by the HTTP layer.
type Service interface {
	MembershipChecker
	Names() []string
	Describe(ctx context.Context, name string) (*service.Summary, error)
	Members(ctx context.Context, name string) ([]registry.Address, error)
	Authorize(ctx context.Context, name string, addr registry.Address) (registry.Event, error)
	Deauthorize(ctx context.Context, name string, addr registry.Address) (registry.Event, error)
	TransferOwnership(ctx context.Context, name string, newOwner registry.Address) (registry.Event, error)
	AuditTrail(ctx context.Context, name string) ([]audit.Event, error)
}

// Handler serves the registry endpoints.
type Handler struct {
	svc    Service
	logger *slog.Logger
}

func New(svc Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Register mounts the registry routes. requireActor authenticates the caller
// for mutating and member-only routes.
func (h *Handler) Register(r chi.Router, requireActor func(http.Handler) http.Handler) {
	r.Route("/registries", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", h.handleDescribe)
			r.Get("/members", h.handleMembers)
			r.Get("/members/{address}", h.handleIsAuthorized)

			r.Group(func(r chi.Router) {
				r.Use(requireActor)
				r.Post("/members", h.handleAuthorize)
				r.Delete("/members/{address}", h.handleDeauthorize)
				r.Put("/owner", h.handleTransferOwnership)
			})

			r.Group(func(r chi.Router) {
				r.Use(requireActor)
				r.Use(RequireMember(h.svc, "", h.logger))
				r.Get("/audit", h.handleAudit)
			})
		})
	})
}

func (h *Handler) handleList(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, RegistriesResponse{Registries: h.svc.Names()})
}

func (h *Handler) handleDescribe(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.Describe(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toRegistryResponse(summary))
}

func (h *Handler) handleMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.svc.Members(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toMembersResponse(members))
}

func (h *Handler) handleIsAuthorized(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ok, err := h.svc.IsAuthorized(r.Context(), chi.URLParam(r, "name"), addr)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, MembershipResponse{Address: addr.Hex(), Authorized: ok})
}

func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req AuthorizeRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	addr, err := parseAddress(req.Address)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	event, err := h.svc.Authorize(r.Context(), chi.URLParam(r, "name"), addr)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toEventResponse(event))
}

func (h *Handler) handleDeauthorize(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	event, err := h.svc.Deauthorize(r.Context(), chi.URLParam(r, "name"), addr)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toEventResponse(event))
}

func (h *Handler) handleTransferOwnership(w http.ResponseWriter, r *http.Request) {
	var req TransferOwnershipRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	newOwner, err := parseAddress(req.NewOwner)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	event, err := h.svc.TransferOwnership(r.Context(), chi.URLParam(r, "name"), newOwner)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toEventResponse(event))
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	events, err := h.svc.AuditTrail(r.Context(), name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toAuditResponse(name, events))
}

// parseAddress checks the textual form only. Zero-address rules are the registry's.
func parseAddress(s string) (registry.Address, error) {
	addr, err := registry.ParseAddress(s)
	if err != nil {
		return registry.Address{}, dErrors.Wrap(err, dErrors.CodeBadRequest, "malformed address")
	}
	return addr, nil
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, "registry request failed",
			"path", r.URL.Path,
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
	}
	httputil.WriteError(w, err)
}
