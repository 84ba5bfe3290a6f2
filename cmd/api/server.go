package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"traceflow/auth"
	"traceflow/ledger"
	"traceflow/registry"
	"traceflow/timeline"
)

// Service interfaces are declared on the consumer side so handlers can be
// exercised with stubs.

type ledgerService interface {
	Register(ctx context.Context, params ledger.RegisterParams) (ledger.Product, error)
	Transfer(ctx context.Context, params ledger.TransferParams) (ledger.Product, error)
	UpdateStatus(ctx context.Context, params ledger.UpdateStatusParams) (ledger.Product, error)
	AddVerification(ctx context.Context, params ledger.VerifyParams) (ledger.VerificationRecord, error)
	Get(ctx context.Context, id int64) (ledger.Product, error)
	OwnerOf(ctx context.Context, id int64) (string, error)
	Verifications(ctx context.Context, id int64) ([]ledger.VerificationRecord, error)
	TotalCount(ctx context.Context) (int64, error)
	Pause(ctx context.Context, caller string) error
	Resume(ctx context.Context, caller string) error
}

type registryService interface {
	GrantRole(ctx context.Context, role registry.Role, identity, grantor string) error
	RolesOf(ctx context.Context, identity string) ([]registry.Role, error)
	HasRole(ctx context.Context, role registry.Role, identity string) (bool, error)
}

type timelineService interface {
	Build(ctx context.Context, productID int64) ([]timeline.Entry, error)
}

type tokenService interface {
	IssueToken(ctx context.Context, req auth.IssueRequest) (auth.IssueResult, error)
	VerifyToken(token string) (string, error)
	SetSecret(ctx context.Context, address, secret string) error
}

type Server struct {
	ledger   ledgerService
	registry registryService
	timeline timelineService
	auth     tokenService
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tokens", s.handleIssueToken)
	mux.HandleFunc("PUT /api/participants/{identity}/secret", s.handleSetSecret)
	mux.HandleFunc("POST /api/roles", s.handleGrantRole)
	mux.HandleFunc("GET /api/roles/{identity}", s.handleRolesOf)
	mux.HandleFunc("POST /api/products", s.handleRegister)
	mux.HandleFunc("GET /api/products/count", s.handleCount)
	mux.HandleFunc("GET /api/products/{id}", s.handleGetProduct)
	mux.HandleFunc("GET /api/products/{id}/owner", s.handleOwner)
	mux.HandleFunc("GET /api/products/{id}/timeline", s.handleTimeline)
	mux.HandleFunc("GET /api/products/{id}/verifications", s.handleListVerifications)
	mux.HandleFunc("POST /api/products/{id}/verifications", s.handleAddVerification)
	mux.HandleFunc("POST /api/products/{id}/transfer", s.handleTransfer)
	mux.HandleFunc("POST /api/products/{id}/status", s.handleUpdateStatus)
	mux.HandleFunc("POST /api/system/pause", s.handlePause)
	mux.HandleFunc("POST /api/system/resume", s.handleResume)
	return mux
}

type productResponse struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	BatchID        string `json:"batchId"`
	Origin         string `json:"origin"`
	ProductionDate string `json:"productionDate"`
	CurrentOwner   string `json:"currentOwner"`
	Status         string `json:"status"`
	CreatedAt      string `json:"createdAt"`
	LastSeq        int64  `json:"lastSeq"`
}

func toProductResponse(p ledger.Product) productResponse {
	return productResponse{
		ID:             p.ID,
		Name:           p.Name,
		BatchID:        p.BatchID,
		Origin:         p.Origin,
		ProductionDate: p.ProductionDate.UTC().Format(time.RFC3339),
		CurrentOwner:   p.CurrentOwner,
		Status:         string(p.Status),
		CreatedAt:      p.CreatedAt.UTC().Format(time.RFC3339),
		LastSeq:        p.LastSeq,
	}
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req auth.IssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.auth.IssueToken(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": res.Token, "address": res.Address})
}

// handleSetSecret rotates a participant's access secret. Callers may set
// their own; admins may set anyone's.
func (s *Server) handleSetSecret(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	identity := r.PathValue("identity")
	if identity != caller {
		isAdmin, err := s.registry.HasRole(r.Context(), registry.RoleAdmin, caller)
		if err != nil {
			writeInternal(w, err)
			return
		}
		if !isAdmin {
			writeError(w, http.StatusForbidden, "only admins may set another participant's secret")
			return
		}
	}
	var req struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.auth.SetSecret(r.Context(), identity, req.Secret); err != nil {
		switch {
		case errors.Is(err, auth.ErrWeakSecret):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, auth.ErrNoCredential):
			writeError(w, http.StatusNotFound, "participant not registered")
		default:
			writeInternal(w, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"identity": identity})
}

func (s *Server) handleGrantRole(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req struct {
		Role     string `json:"role"`
		Identity string `json:"identity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.registry.GrantRole(r.Context(), registry.Role(req.Role), req.Identity, caller); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"role": req.Role, "identity": req.Identity})
}

func (s *Server) handleRolesOf(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")
	roles, err := s.registry.RolesOf(r.Context(), identity)
	if err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"identity": identity, "roles": roles})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req struct {
		Name           string `json:"name"`
		BatchID        string `json:"batchId"`
		Origin         string `json:"origin"`
		ProductionDate string `json:"productionDate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	prodDate, err := time.Parse(time.RFC3339, req.ProductionDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "productionDate must be RFC3339")
		return
	}
	p, err := s.ledger.Register(r.Context(), ledger.RegisterParams{
		Name:           req.Name,
		BatchID:        req.BatchID,
		Origin:         req.Origin,
		ProductionDate: prodDate,
		Caller:         caller,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProductResponse(p))
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := productID(w, r)
	if !ok {
		return
	}
	var req struct {
		NewOwner string `json:"newOwner"`
		Metadata string `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p, err := s.ledger.Transfer(r.Context(), ledger.TransferParams{
		ProductID: id,
		NewOwner:  req.NewOwner,
		Metadata:  req.Metadata,
		Caller:    caller,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductResponse(p))
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := productID(w, r)
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status"`
		Notes  string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p, err := s.ledger.UpdateStatus(r.Context(), ledger.UpdateStatusParams{
		ProductID: id,
		NewStatus: ledger.Status(req.Status),
		Notes:     req.Notes,
		Caller:    caller,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductResponse(p))
}

func (s *Server) handleAddVerification(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := productID(w, r)
	if !ok {
		return
	}
	var req struct {
		CertificateRef string `json:"certificateRef"`
		Notes          string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rec, err := s.ledger.AddVerification(r.Context(), ledger.VerifyParams{
		ProductID:      id,
		CertificateRef: req.CertificateRef,
		Notes:          req.Notes,
		Caller:         caller,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":             rec.ID,
		"productId":      rec.ProductID,
		"verifier":       rec.Verifier,
		"certificateRef": rec.CertificateRef,
		"notes":          rec.Notes,
		"createdAt":      rec.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := productID(w, r)
	if !ok {
		return
	}
	p, err := s.ledger.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductResponse(p))
}

func (s *Server) handleOwner(w http.ResponseWriter, r *http.Request) {
	id, ok := productID(w, r)
	if !ok {
		return
	}
	owner, err := s.ledger.OwnerOf(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"owner": owner})
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.ledger.TotalCount(r.Context())
	if err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"total": n})
}

func (s *Server) handleListVerifications(w http.ResponseWriter, r *http.Request) {
	id, ok := productID(w, r)
	if !ok {
		return
	}
	recs, err := s.ledger.Verifications(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		items = append(items, map[string]any{
			"id":             rec.ID,
			"verifier":       rec.Verifier,
			"certificateRef": rec.CertificateRef,
			"notes":          rec.Notes,
			"createdAt":      rec.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	id, ok := productID(w, r)
	if !ok {
		return
	}
	entries, err := s.timeline.Build(r.Context(), id)
	if err != nil {
		writeInternal(w, err)
		return
	}
	items := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		items = append(items, map[string]any{
			"kind":        string(e.Kind),
			"actor":       e.Actor,
			"timestamp":   e.Timestamp.UTC().Format(time.RFC3339),
			"seq":         e.Seq,
			"description": e.Description,
			"detail":      e.Detail,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	if err := s.ledger.Pause(r.Context(), caller); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	if err := s.ledger.Resume(r.Context(), caller); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// caller resolves the participant address from the bearer token.
func (s *Server) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return "", false
	}
	address, err := s.auth.VerifyToken(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return "", false
	}
	return address, true
}

func productID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid product id")
		return 0, false
	}
	return id, true
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrUnauthorized), errors.Is(err, registry.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ledger.ErrSystemPaused):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ledger.ErrEmptyField),
		errors.Is(err, ledger.ErrFutureDate),
		errors.Is(err, ledger.ErrInvalidIdentity),
		errors.Is(err, ledger.ErrSelfTransfer),
		errors.Is(err, ledger.ErrIneligibleRecipient),
		errors.Is(err, registry.ErrInvalidIdentity):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeInternal(w, err)
	}
}

func writeInternal(w http.ResponseWriter, err error) {
	log.Printf("internal error: %v", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("encode response: %v", err)
	}
}
