package server

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/PirosB3/token-vesting-service/internal/routing"
	"github.com/PirosB3/token-vesting-service/pkg/authz"
)

func loadAuthorizer() (*authz.Authorizer, error) {
	modelPath := os.Getenv("AUTHZ_MODEL_PATH")
	if modelPath == "" {
		p, err := defaultAuthzModelPath()
		if err != nil {
			return nil, err
		}
		modelPath = p
	}

	policyPath := os.Getenv("AUTHZ_POLICY_PATH")
	if policyPath == "" {
		p, err := defaultAuthzPolicyPath()
		if err != nil {
			return nil, err
		}
		policyPath = p
	}

	mode, err := authz.ModeFromEnv()
	if err != nil {
		return nil, err
	}

	return authz.NewAuthorizer(modelPath, policyPath, mode)
}

func defaultAuthzModelPath() (string, error) {
	path := "config/access/model.conf"
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: authz model not found")
}

func defaultAuthzPolicyPath() (string, error) {
	path := "config/access/policy.csv"
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: authz policy not found")
}

type authorizer interface {
	Authorize(subject string, object string, action string) (allowed bool, enforced bool, err error)
}

func withAuthz(classifier *routing.Classifier, a authorizer, next http.Handler) http.Handler {
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

		roleSlug := authz.RoleAnonymous
		if p, ok := currentPrincipal(r.Context()); ok {
			roleSlug = p.RoleSlug
		}
		subject := authz.SubjectFromRoleSlug(roleSlug)

		object, action, shouldCheck := authzRequirementForRoute(r.Method, path)
		if !shouldCheck {
			next.ServeHTTP(w, r)
			return
		}

		allowed, enforced, err := a.Authorize(subject, object, action)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "authz_error", "authz error")
			return
		}
		if enforced && !allowed {
			routing.WriteError(w, r, rc, http.StatusForbidden, "forbidden", "forbidden")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Role-level gate. Record-level authority (only the named employee can
// withdraw, only the named employer can revoke) lives in the lifecycle
// rules beneath the facade.
func authzRequirementForRoute(method string, path string) (object string, action string, ok bool) {
	switch path {
	case "/vesting/api/grants":
		if method == http.MethodGet {
			return authz.ObjectVestingGrants, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectVestingGrants, authz.ActionWrite, true
		}
		return "", "", false
	case "/vesting/api/grants/withdraw", "/vesting/api/grants/revoke":
		if method == http.MethodPost {
			return authz.ObjectVestingGrants, authz.ActionWrite, true
		}
		return "", "", false
	case "/vesting/api/internal/policy/evaluate":
		if method == http.MethodPost {
			return authz.ObjectVestingPolicy, authz.ActionAdmin, true
		}
		return "", "", false
	default:
		return "", "", false
	}
}
