// Package admin exposes the pool's management surface: account CRUD,
// statistics, health, readiness, audit trail, and model-route management.
// Every handler returns the {success, data?, detail?} envelope used
// throughout this surface.
package admin

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wirepool/tokengate/internal/account"
	"github.com/wirepool/tokengate/internal/readiness"
	"github.com/wirepool/tokengate/internal/requestlog"
)

// Server groups the dependencies every admin handler needs.
type Server struct {
	store     *account.Store
	refresher *account.Refresher
	reporter  *readiness.Reporter
	requests  *requestlog.Logger
}

// NewServer builds an admin Server.
func NewServer(store *account.Store, refresher *account.Refresher, reporter *readiness.Reporter, requests *requestlog.Logger) *Server {
	return &Server{store: store, refresher: refresher, reporter: reporter, requests: requests}
}

// Routes mounts every admin endpoint on r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/accounts", s.listAccounts)
	r.Post("/accounts", s.importAccounts)
	r.Get("/accounts/{id}", s.getAccount)
	r.Patch("/accounts/{id}", s.patchAccount)
	r.Delete("/accounts/{id}", s.deleteAccount)
	r.Post("/accounts/batch-delete", s.batchDeleteAccounts)
	r.Post("/accounts/{id}/refresh", s.refreshAccount)
	r.Post("/accounts/refresh-all", s.refreshAllAccounts)

	r.Get("/health", s.listHealth)
	r.Get("/readiness", s.getReadiness)
	r.Get("/statistics", s.getStatistics)
	r.Get("/audit", s.listAudit)

	r.Get("/model-routes", s.listModelRoutes)
	r.Post("/model-routes", s.createModelRoute)
	r.Put("/model-routes/{id}", s.updateModelRoute)
	r.Delete("/model-routes/{id}", s.deleteModelRoute)

	r.Get("/requests", s.listRequests)
	r.Get("/requests/stats", s.getRequestStats)
	r.Post("/requests/clear", s.clearRequests)
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

func writeEnvelope(w http.ResponseWriter, status int, data any, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: status < 400, Data: data, Detail: detail})
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// accountView renders an Account with its refresh token never exposed and
// its fingerprint masked through account.Preview.
type accountView struct {
	ID            int64     `json:"id"`
	Label         string    `json:"label"`
	Email         string    `json:"email,omitempty"`
	TokenPreview  string    `json:"token_preview"`
	Status        string    `json:"status"`
	UseCount      int64     `json:"use_count"`
	ErrorCount    int64     `json:"error_count"`
	QuotaLimit    int64     `json:"quota_limit,omitempty"`
	QuotaUsed     int64     `json:"quota_used,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

func toView(a account.Account) accountView {
	return accountView{
		ID: a.ID, Label: a.Label, Email: a.Email, TokenPreview: a.TokenPreview(),
		Status: string(a.Status), UseCount: a.UseCount, ErrorCount: a.ErrorCount,
		QuotaLimit: a.QuotaLimit, QuotaUsed: a.QuotaUsed, LastError: a.LastErrorMessage,
		LastSuccessAt: a.LastSuccessAt, CooldownUntil: a.CooldownUntil,
	}
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.List()
	if err != nil {
		writeEnvelope(w, http.StatusInternalServerError, nil, err.Error())
		return
	}
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, toView(a))
	}
	writeEnvelope(w, http.StatusOK, views, "")
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeEnvelope(w, http.StatusBadRequest, nil, "invalid account id")
		return
	}
	a, err := s.store.Get(id)
	if err != nil {
		writeEnvelope(w, http.StatusNotFound, nil, err.Error())
		return
	}
	writeEnvelope(w, http.StatusOK, toView(*a), "")
}

type importRequest struct {
	RefreshToken string                       `json:"refresh_token,omitempty"`
	Label        string                       `json:"label,omitempty"`
	Accounts     []account.AccountImportSpec  `json:"accounts,omitempty"`
	Tokens       []string                     `json:"tokens,omitempty"`
}

func (s *Server) importAccounts(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelope(w, http.StatusBadRequest, nil, "invalid request body: "+err.Error())
		return
	}

	switch {
	case req.RefreshToken != "":
		a, err := s.store.Insert(req.RefreshToken, req.Label)
		if err != nil {
			writeEnvelope(w, http.StatusConflict, nil, err.Error())
			return
		}
		writeEnvelope(w, http.StatusCreated, toView(*a), "")
	case len(req.Accounts) > 0:
		writeEnvelope(w, http.StatusOK, s.store.BatchImportAccounts(req.Accounts), "")
	case len(req.Tokens) > 0:
		writeEnvelope(w, http.StatusOK, s.store.BatchImportTokens(req.Tokens), "")
	default:
		writeEnvelope(w, http.StatusBadRequest, nil, "no refresh_token, accounts, or tokens supplied")
	}
}

type patchRequest struct {
	Status *string `json:"status,omitempty"`
	Label  *string `json:"label,omitempty"`
}

func (s *Server) patchAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeEnvelope(w, http.StatusBadRequest, nil, "invalid account id")
		return
	}
	var req patchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelope(w, http.StatusBadRequest, nil, "invalid request body: "+err.Error())
		return
	}

	patch := account.Patch{Label: req.Label}
	if req.Status != nil {
		status := account.Status(*req.Status)
		if !status.Valid() {
			writeEnvelope(w, http.StatusBadRequest, nil, "invalid status")
			return
		}
		patch.Status = &status
		if status != account.StatusCooldown {
			patch.CooldownUntilClear = true
		}
	}

	if err := s.store.Update(id, patch, account.ActorAdmin, "admin_patch", "ok"); err != nil {
		writeEnvelope(w, http.StatusNotFound, nil, err.Error())
		return
	}
	a, err := s.store.Get(id)
	if err != nil {
		writeEnvelope(w, http.StatusNotFound, nil, err.Error())
		return
	}
	writeEnvelope(w, http.StatusOK, toView(*a), "")
}

func (s *Server) deleteAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeEnvelope(w, http.StatusBadRequest, nil, "invalid account id")
		return
	}
	if err := s.store.Delete(id); err != nil {
		writeEnvelope(w, http.StatusNotFound, nil, err.Error())
		return
	}
	writeEnvelope(w, http.StatusOK, nil, "")
}

type batchDeleteRequest struct {
	IDs []int64 `json:"ids"`
}

type batchDeleteResult struct {
	Deleted []int64 `json:"deleted"`
	Failed  []int64 `json:"failed"`
}

func (s *Server) batchDeleteAccounts(w http.ResponseWriter, r *http.Request) {
	var req batchDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelope(w, http.StatusBadRequest, nil, "invalid request body: "+err.Error())
		return
	}
	deleted, failed := s.store.BatchDelete(req.IDs)
	writeEnvelope(w, http.StatusOK, batchDeleteResult{Deleted: deleted, Failed: failed}, "")
}

type refreshAllResult struct {
	Refreshed []int64          `json:"refreshed"`
	Failed    map[int64]string `json:"failed,omitempty"`
}

// refreshAllAccounts forces a refresh across every account still holding a
// refresh token, independent of the Account Selector's eligibility filter —
// an operator invoking this wants every token exercised, cooled-down or
// quota-exhausted accounts included, not just the ones the dispatch pool
// would currently pick.
func (s *Server) refreshAllAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.List()
	if err != nil {
		writeEnvelope(w, http.StatusInternalServerError, nil, err.Error())
		return
	}

	result := refreshAllResult{Failed: map[int64]string{}}
	for _, a := range accounts {
		if len(a.RefreshTokenEnc) == 0 || a.Status == account.StatusDisabled {
			continue
		}
		plain, err := s.store.DecryptRefreshToken(&a)
		if err != nil {
			result.Failed[a.ID] = err.Error()
			continue
		}
		res, outcome, err := s.refresher.Refresh(r.Context(), plain)
		if outcome != account.OutcomeOK {
			detail := string(outcome)
			if err != nil {
				detail = err.Error()
			}
			result.Failed[a.ID] = detail
			continue
		}
		_ = s.store.Update(a.ID, account.Patch{
			Status:            statusPtr(account.StatusActive),
			AccessToken:       &res.AccessToken,
			AccessTokenExpiry: &res.ExpiresAt,
			Quota:             &res.Quota,
		}, account.ActorAdmin, "admin_refresh_all", "ok")
		result.Refreshed = append(result.Refreshed, a.ID)
	}
	if len(result.Failed) == 0 {
		result.Failed = nil
	}
	writeEnvelope(w, http.StatusOK, result, "")
}

func (s *Server) refreshAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeEnvelope(w, http.StatusBadRequest, nil, "invalid account id")
		return
	}
	a, err := s.store.Get(id)
	if err != nil {
		writeEnvelope(w, http.StatusNotFound, nil, err.Error())
		return
	}

	plain, err := s.store.DecryptRefreshToken(a)
	if err != nil {
		writeEnvelope(w, http.StatusInternalServerError, nil, err.Error())
		return
	}

	result, outcome, err := s.refresher.Refresh(r.Context(), plain)
	if outcome != account.OutcomeOK {
		detail := string(outcome)
		if err != nil {
			detail = err.Error()
		}
		writeEnvelope(w, http.StatusBadGateway, nil, detail)
		return
	}

	_ = s.store.Update(a.ID, account.Patch{
		Status:            statusPtr(account.StatusActive),
		AccessToken:       &result.AccessToken,
		AccessTokenExpiry: &result.ExpiresAt,
		Quota:             &result.Quota,
	}, account.ActorAdmin, "admin_refresh", "ok")

	updated, _ := s.store.Get(a.ID)
	writeEnvelope(w, http.StatusOK, toView(*updated), "")
}

func (s *Server) listHealth(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.store.ListHealth()
	if err != nil {
		writeEnvelope(w, http.StatusInternalServerError, nil, err.Error())
		return
	}
	writeEnvelope(w, http.StatusOK, snaps, "")
}

func (s *Server) getReadiness(w http.ResponseWriter, r *http.Request) {
	snap, err := s.reporter.Readiness()
	if err != nil {
		writeEnvelope(w, http.StatusInternalServerError, nil, err.Error())
		return
	}
	status := http.StatusOK
	if !snap.Ready {
		status = http.StatusServiceUnavailable
	}
	writeEnvelope(w, status, snap, "")
}

func (s *Server) getStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Statistics()
	if err != nil {
		writeEnvelope(w, http.StatusInternalServerError, nil, err.Error())
		return
	}
	writeEnvelope(w, http.StatusOK, stats, "")
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	var accountID int64
	if raw := r.URL.Query().Get("account_id"); raw != "" {
		accountID, _ = strconv.ParseInt(raw, 10, 64)
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.store.ListAudit(accountID, limit)
	if err != nil {
		writeEnvelope(w, http.StatusInternalServerError, nil, err.Error())
		return
	}
	writeEnvelope(w, http.StatusOK, events, "")
}

func (s *Server) listModelRoutes(w http.ResponseWriter, r *http.Request) {
	var routes []account.ModelRoute
	if err := s.store.DB().Find(&routes).Error; err != nil {
		writeEnvelope(w, http.StatusInternalServerError, nil, err.Error())
		return
	}
	writeEnvelope(w, http.StatusOK, routes, "")
}

func (s *Server) createModelRoute(w http.ResponseWriter, r *http.Request) {
	var route account.ModelRoute
	if err := json.NewDecoder(r.Body).Decode(&route); err != nil {
		writeEnvelope(w, http.StatusBadRequest, nil, "invalid request body: "+err.Error())
		return
	}
	route.ID = 0
	if err := s.store.DB().Create(&route).Error; err != nil {
		writeEnvelope(w, http.StatusConflict, nil, err.Error())
		return
	}
	writeEnvelope(w, http.StatusCreated, route, "")
}

func (s *Server) updateModelRoute(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeEnvelope(w, http.StatusBadRequest, nil, "invalid route id")
		return
	}
	var patch account.ModelRoute
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeEnvelope(w, http.StatusBadRequest, nil, "invalid request body: "+err.Error())
		return
	}
	var route account.ModelRoute
	if err := s.store.DB().First(&route, id).Error; err != nil {
		writeEnvelope(w, http.StatusNotFound, nil, err.Error())
		return
	}
	patch.ID = route.ID
	if err := s.store.DB().Model(&route).Updates(patch).Error; err != nil {
		writeEnvelope(w, http.StatusInternalServerError, nil, err.Error())
		return
	}
	writeEnvelope(w, http.StatusOK, route, "")
}

func (s *Server) deleteModelRoute(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeEnvelope(w, http.StatusBadRequest, nil, "invalid route id")
		return
	}
	if err := s.store.DB().Delete(&account.ModelRoute{}, id).Error; err != nil {
		writeEnvelope(w, http.StatusInternalServerError, nil, err.Error())
		return
	}
	writeEnvelope(w, http.StatusOK, nil, "")
}

func (s *Server) listRequests(w http.ResponseWriter, r *http.Request) {
	if s.requests == nil {
		writeEnvelope(w, http.StatusOK, []requestlog.Entry{}, "")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	since, _ := strconv.Atoi(r.URL.Query().Get("since_minutes"))
	writeEnvelope(w, http.StatusOK, s.requests.List(limit, since), "")
}

func (s *Server) getRequestStats(w http.ResponseWriter, r *http.Request) {
	if s.requests == nil {
		writeEnvelope(w, http.StatusOK, requestlog.Stats{}, "")
		return
	}
	writeEnvelope(w, http.StatusOK, s.requests.Stats(), "")
}

func (s *Server) clearRequests(w http.ResponseWriter, r *http.Request) {
	if s.requests == nil {
		writeEnvelope(w, http.StatusOK, nil, "")
		return
	}
	if err := s.requests.Clear(); err != nil {
		writeEnvelope(w, http.StatusInternalServerError, nil, err.Error())
		return
	}
	writeEnvelope(w, http.StatusOK, nil, "")
}

func statusPtr(s account.Status) *account.Status { return &s }
