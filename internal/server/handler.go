package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PirosB3/token-vesting-service/internal/routing"
	"github.com/PirosB3/token-vesting-service/modules/vesting/domain/ports"
	"github.com/PirosB3/token-vesting-service/modules/vesting/presentation/controllers"
	"github.com/PirosB3/token-vesting-service/modules/vesting/services"

	vestingpersistence "github.com/PirosB3/token-vesting-service/modules/vesting/infrastructure/persistence"
)

func NewHandler() (http.Handler, error) {
	return NewHandlerWithOptions(HandlerOptions{})
}

type HandlerOptions struct {
	GrantStore ports.GrantStore
	Policy     *services.GrantPolicy
	Now        func() uint64
}

func NewHandlerWithOptions(opts HandlerOptions) (http.Handler, error) {
	allowlistPath := os.Getenv("ALLOWLIST_PATH")
	if allowlistPath == "" {
		p, err := defaultAllowlistPath()
		if err != nil {
			return nil, err
		}
		allowlistPath = p
	}

	a, err := routing.LoadAllowlist(allowlistPath)
	if err != nil {
		return nil, err
	}

	classifier, err := routing.NewClassifier(a, "server")
	if err != nil {
		return nil, err
	}

	grantStore := opts.GrantStore
	if grantStore == nil {
		dsn := dbDSNFromEnv()
		pool, err := pgxpool.New(context.Background(), dsn)
		if err != nil {
			return nil, err
		}
		grantStore = vestingpersistence.NewGrantPGStore(pool)
	}

	policy := opts.Policy
	if policy == nil {
		p, err := loadGrantPolicyFromEnv()
		if err != nil {
			return nil, err
		}
		policy = p
	}

	authorizer, err := loadAuthorizer()
	if err != nil {
		return nil, err
	}

	facade := services.NewGrantsFacade(grantStore, policy, opts.Now)
	grants := controllers.GrantsController{
		Principal: func(ctx context.Context) (string, bool) {
			p, ok := currentPrincipal(ctx)
			return p.UUID, ok
		},
		Facade: facade,
	}

	router := routing.NewRouter(classifier)

	router.Handle(routing.RouteClassOps, http.MethodGet, "/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))

	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/vesting/api/grants", http.HandlerFunc(grants.HandleGrantsAPI))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/vesting/api/grants", http.HandlerFunc(grants.HandleGrantsAPI))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/vesting/api/grants/withdraw", http.HandlerFunc(grants.HandleWithdrawAPI))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/vesting/api/grants/revoke", http.HandlerFunc(grants.HandleRevokeAPI))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/vesting/api/internal/policy/evaluate", http.HandlerFunc(grants.HandlePolicyEvaluateAPI))

	guarded := withIdentity(classifier, withAuthz(classifier, authorizer, router))
	return guarded, nil
}

func MustNewHandler() http.Handler {
	h, err := NewHandler()
	if err != nil {
		panic(errors.New("server: failed to build handler: " + err.Error()))
	}
	return h
}

// loadGrantPolicyFromEnv loads the CEL admission rules. The policy file is
// optional: an absent file means grants admit by default.
func loadGrantPolicyFromEnv() (*services.GrantPolicy, error) {
	path := os.Getenv("VESTING_POLICY_PATH")
	if path != "" {
		return services.LoadGrantPolicy(path)
	}

	path = "config/policy/grant_rules.yaml"
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return services.LoadGrantPolicy(path)
		}
		path = filepath.Join("..", path)
	}
	return nil, nil
}

func defaultAllowlistPath() (string, error) {
	path := "config/routing/allowlist.yaml"
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: allowlist not found")
}
