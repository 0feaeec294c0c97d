package testutil

import (
	"net/http"
	"time"

	id "priorauth/pkg/domain"
	"priorauth/pkg/requestcontext"
)

// WithActor stamps an authenticated actor and its roles onto the request
// context, simulating what the auth middleware does after token validation.
func WithActor(req *http.Request, actor id.ActorID, roles ...string) *http.Request {
	ctx := requestcontext.WithActor(req.Context(), actor)
	if len(roles) > 0 {
		ctx = requestcontext.WithRoles(ctx, roles)
	}
	return req.WithContext(ctx)
}

// WithClock pins the request clock so handlers under test see a fixed time.
func WithClock(req *http.Request, at time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), at))
}
