package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/PirosB3/token-vesting-service/modules/vesting/domain/types"
	"github.com/PirosB3/token-vesting-service/modules/vesting/services"
	"github.com/PirosB3/token-vesting-service/pkg/httperr"
	"github.com/PirosB3/token-vesting-service/pkg/uuidv7"
	"github.com/PirosB3/token-vesting-service/pkg/vestmath"
)

// PrincipalGetter resolves the authenticated caller from the request
// context. Handlers never trust identifiers from the body for authority.
type PrincipalGetter func(ctx context.Context) (principalUUID string, ok bool)

type GrantsController struct {
	Principal PrincipalGetter
	Facade    services.GrantsFacade
}

type grantCreateAPIRequest struct {
	EmployerUUID string              `json:"employer_uuid"`
	EmployeeUUID string              `json:"employee_uuid"`
	Asset        string              `json:"asset"`
	Schedule     types.GrantSchedule `json:"schedule"`
}

type grantPairAPIRequest struct {
	EmployerUUID string `json:"employer_uuid"`
	EmployeeUUID string `json:"employee_uuid"`
}

type policyEvaluateAPIRequest struct {
	Asset    string              `json:"asset"`
	Schedule types.GrantSchedule `json:"schedule"`
}

func (c GrantsController) HandleGrantsAPI(w http.ResponseWriter, r *http.Request) {
	principalUUID, ok := c.Principal(r.Context())
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "principal_missing", "principal missing")
		return
	}

	switch r.Method {
	case http.MethodGet:
		employerUUID := strings.TrimSpace(r.URL.Query().Get("employer_uuid"))
		employeeUUID := strings.TrimSpace(r.URL.Query().Get("employee_uuid"))
		if employerUUID == "" || employeeUUID == "" {
			writeError(w, r, http.StatusBadRequest, "missing_pair", "employer_uuid and employee_uuid are required")
			return
		}
		view, err := c.Facade.Get(r.Context(), employerUUID, employeeUUID)
		if err != nil {
			status, code := mapGrantError(err)
			writeError(w, r, status, code, "get failed")
			return
		}
		writeJSON(w, http.StatusOK, view)
		return

	case http.MethodPost:
		var req grantCreateAPIRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, http.StatusBadRequest, "bad_json", "bad json")
			return
		}
		g, err := c.Facade.Initialize(r.Context(), principalUUID, req.EmployerUUID, req.EmployeeUUID, req.Asset, req.Schedule)
		if err != nil {
			status, code := mapGrantError(err)
			writeError(w, r, status, code, "initialize failed")
			return
		}
		requestID, _ := uuidv7.NewString()
		writeJSON(w, http.StatusCreated, map[string]any{
			"grant":      g,
			"request_id": requestID,
		})
		return

	default:
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func (c GrantsController) HandleWithdrawAPI(w http.ResponseWriter, r *http.Request) {
	principalUUID, ok := c.Principal(r.Context())
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "principal_missing", "principal missing")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req grantPairAPIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_json", "bad json")
		return
	}
	released, err := c.Facade.Withdraw(r.Context(), principalUUID, req.EmployerUUID, req.EmployeeUUID)
	if err != nil {
		status, code := mapGrantError(err)
		writeError(w, r, status, code, "withdraw failed")
		return
	}
	requestID, _ := uuidv7.NewString()
	writeJSON(w, http.StatusOK, map[string]any{
		"released_amount": released,
		"request_id":      requestID,
	})
}

func (c GrantsController) HandleRevokeAPI(w http.ResponseWriter, r *http.Request) {
	principalUUID, ok := c.Principal(r.Context())
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "principal_missing", "principal missing")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req grantPairAPIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_json", "bad json")
		return
	}
	settlement, err := c.Facade.Revoke(r.Context(), principalUUID, req.EmployerUUID, req.EmployeeUUID)
	if err != nil {
		status, code := mapGrantError(err)
		writeError(w, r, status, code, "revoke failed")
		return
	}
	requestID, _ := uuidv7.NewString()
	writeJSON(w, http.StatusOK, map[string]any{
		"paid_to_employee":     settlement.PaidToEmployee,
		"returned_to_employer": settlement.ReturnedToEmployer,
		"request_id":           requestID,
	})
}

func (c GrantsController) HandlePolicyEvaluateAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req policyEvaluateAPIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_json", "bad json")
		return
	}
	decision, configured, err := c.Facade.EvaluatePolicy(req.Asset, req.Schedule)
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "VESTING_POLICY_EVAL_FAILED", err.Error())
		return
	}
	if !configured {
		writeJSON(w, http.StatusOK, map[string]any{"configured": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"configured": true,
		"decision":   decision,
	})
}

// mapGrantError pins each lifecycle failure to a stable code and status so
// clients can branch without parsing messages.
func mapGrantError(err error) (int, string) {
	var denied *services.PolicyDeniedError
	switch {
	case errors.Is(err, vestmath.ErrInvalidParams):
		return http.StatusUnprocessableEntity, "VESTING_INVALID_PARAMS"
	case errors.Is(err, types.ErrNotAuthorized):
		return http.StatusForbidden, "VESTING_NOT_AUTHORIZED"
	case errors.Is(err, types.ErrNotInitialized):
		return http.StatusNotFound, "VESTING_NOT_INITIALIZED"
	case errors.Is(err, types.ErrAlreadyRevoked):
		return http.StatusConflict, "VESTING_ALREADY_REVOKED"
	case errors.Is(err, types.ErrGrantExists):
		return http.StatusConflict, "VESTING_GRANT_EXISTS"
	case errors.Is(err, types.ErrTransferFailed):
		return http.StatusUnprocessableEntity, "VESTING_TRANSFER_FAILED"
	case errors.Is(err, types.ErrArithmeticOverflow):
		return http.StatusInternalServerError, "VESTING_ARITHMETIC_OVERFLOW"
	case errors.As(err, &denied):
		return http.StatusUnprocessableEntity, denied.ReasonCode
	case httperr.IsBadRequest(err), isPgInvalidInput(err):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorEnvelope struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	TraceID string            `json:"trace_id"`
	Meta    errorEnvelopeMeta `json:"meta"`
}

type errorEnvelopeMeta struct {
	Path   string `json:"path"`
	Method string `json:"method"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code string, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Code:    code,
		Message: message,
		TraceID: traceIDFromRequest(r),
		Meta: errorEnvelopeMeta{
			Path:   r.URL.Path,
			Method: r.Method,
		},
	})
}

func pgErrorCode(err error) string {
	if pgErr, ok := errors.AsType[*pgconn.PgError](err); ok && pgErr != nil {
		return strings.TrimSpace(pgErr.Code)
	}
	return ""
}

func isPgInvalidInput(err error) bool {
	switch pgErrorCode(err) {
	case "22P02", "22003", "22007", "22008":
		return true
	default:
		return false
	}
}

func traceIDFromRequest(r *http.Request) string {
	traceparent := strings.TrimSpace(r.Header.Get("traceparent"))
	if traceparent == "" {
		return ""
	}
	parts := strings.Split(traceparent, "-")
	if len(parts) != 4 {
		return ""
	}
	traceID := strings.ToLower(parts[1])
	if len(traceID) != 32 || traceID == "00000000000000000000000000000000" {
		return ""
	}
	for _, ch := range traceID {
		if (ch < '0' || ch > '9') && (ch < 'a' || ch > 'f') {
			return ""
		}
	}
	return traceID
}
