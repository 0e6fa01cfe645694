package testutil

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"gatekeeper/pkg/requestcontext"
)

// WithActor places a caller address in the request context, as the auth
// middleware does for a valid bearer token.
func WithActor(req *http.Request, actor common.Address) *http.Request {
	return req.WithContext(requestcontext.WithActor(req.Context(), actor))
}

// WithBearer sets the Authorization header to a bearer token.
func WithBearer(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}
