package server

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/PirosB3/token-vesting-service/internal/routing"
)

// Identity arrives on gateway-asserted headers. The gateway terminates
// authentication upstream and forwards the verified principal; this service
// only validates the shape of what it is handed.
const (
	principalIDHeader   = "X-Principal-Id"
	principalRoleHeader = "X-Principal-Role"
)

func principalFromRequest(r *http.Request) (Principal, bool) {
	id := strings.TrimSpace(r.Header.Get(principalIDHeader))
	if id == "" {
		return Principal{}, false
	}
	if _, err := uuid.Parse(id); err != nil {
		return Principal{}, false
	}
	role := strings.ToLower(strings.TrimSpace(r.Header.Get(principalRoleHeader)))
	return Principal{UUID: id, RoleSlug: role}, true
}

func withIdentity(classifier *routing.Classifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		rc := routing.RouteClassInternalAPI
		if classifier != nil {
			rc = classifier.Classify(path)
		}

		if rc == routing.RouteClassOps {
			next.ServeHTTP(w, r)
			return
		}

		p, ok := principalFromRequest(r)
		if !ok {
			routing.WriteError(w, r, rc, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}
