package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/credx/ruleengine/internal/logger"
	"github.com/credx/ruleengine/multitenantengine"
	"github.com/credx/ruleengine/rules"
)

type Server struct {
	db      *sql.DB
	manager *multitenantengine.Manager
	router  *chi.Mux
}

func NewServer(ctx context.Context, databaseURL string) (*Server, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewServerWithDB(ctx, db)
}

// NewServerWithDB builds the server over an existing connection.
func NewServerWithDB(ctx context.Context, db *sql.DB) (*Server, error) {
	manager := multitenantengine.NewManager(db)

	logger.Info("loading tenants from database")
	if err := manager.LoadAllTenants(ctx); err != nil {
		return nil, fmt.Errorf("failed to load tenants: %w", err)
	}
	logger.Info("tenants loaded", "count", len(manager.ListTenants()))

	s := &Server{
		db:      db,
		manager: manager,
	}
	s.setupRoutes()

	return s, nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)

	r.Route("/api/v1/tenants", func(r chi.Router) {
		r.Get("/", s.handleListTenants)
		r.Post("/", s.handleCreateTenant)

		r.Route("/{tenantId}", func(r chi.Router) {
			r.Route("/rules", func(r chi.Router) {
				r.Post("/", s.handleCreateRule)
				r.Get("/", s.handleListRules)
				r.Get("/{ruleId}", s.handleGetRule)
				r.Put("/{ruleId}", s.handleUpdateRule)
				r.Delete("/{ruleId}", s.handleDeleteRule)
				r.Post("/{ruleId}/toggle", s.handleToggleRule)
				r.Post("/{ruleId}/duplicate", s.handleDuplicateRule)
				r.Post("/{ruleId}/execute", s.handleExecuteRule)
			})

			r.Route("/tickets", func(r chi.Router) {
				r.Post("/", s.handleCreateTicket)
			})

			r.Route("/executions", func(r chi.Router) {
				r.Get("/", s.handleListExecutions)
				r.Get("/stats", s.handleExecutionStats)
			})
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"tenantsLoaded": len(s.manager.ListTenants()),
	})
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.QueryContext(r.Context(),
		`SELECT id, name, created_at, updated_at FROM tenants ORDER BY created_at DESC`)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list tenants", err)
		return
	}
	defer rows.Close()

	tenants := []TenantResponse{}
	for rows.Next() {
		var t TenantResponse
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to scan tenant", err)
			return
		}
		tenants = append(tenants, t)
	}

	respondJSON(w, http.StatusOK, map[string]any{"tenants": tenants})
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	tenantID := uuid.NewString()
	_, err := s.db.ExecContext(r.Context(), `
		INSERT INTO tenants (id, name, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
	`, tenantID, req.Name)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create tenant", err)
		return
	}

	if err := s.manager.CreateTenant(r.Context(), tenantID, req.Name); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to initialize tenant engine", err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"id":   tenantID,
		"name": req.Name,
	})
}

// engineFor resolves the tenant's engine or writes a 404.
func (s *Server) engineFor(w http.ResponseWriter, r *http.Request) (*rules.Engine, bool) {
	tenantID := chi.URLParam(r, "tenantId")
	engine, err := s.manager.GetEngine(tenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return nil, false
	}
	return engine, true
}

// ruleFromRequest decodes and validates the rule body shared by create
// and update.
func ruleFromRequest(req RuleRequest) (*rules.Rule, error) {
	conditions, err := rules.ParseConditions(req.Conditions)
	if err != nil {
		return nil, err
	}
	actions, err := rules.ParseActions(req.Actions)
	if err != nil {
		return nil, err
	}

	return &rules.Rule{
		Name:       req.Name,
		Conditions: conditions,
		Actions:    actions,
		Priority:   req.Priority,
		Active:     req.Active,
	}, nil
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule, err := ruleFromRequest(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule definition", err)
		return
	}

	if err := engine.AddRule(r.Context(), rule); err != nil {
		respondError(w, statusFor(err), "failed to add rule", err)
		return
	}

	respondJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}

	list, err := engine.ListRules(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}
	if list == nil {
		list = []*rules.Rule{}
	}

	respondJSON(w, http.StatusOK, map[string]any{"rules": list})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}

	rule, err := engine.GetRule(r.Context(), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondError(w, statusFor(err), "failed to get rule", err)
		return
	}

	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule, err := ruleFromRequest(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule definition", err)
		return
	}
	rule.ID = chi.URLParam(r, "ruleId")

	if err := engine.UpdateRule(r.Context(), rule); err != nil {
		respondError(w, statusFor(err), "failed to update rule", err)
		return
	}

	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}

	if err := engine.DeleteRule(r.Context(), chi.URLParam(r, "ruleId")); err != nil {
		respondError(w, statusFor(err), "failed to delete rule", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}

	rule, err := engine.ToggleRule(r.Context(), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondError(w, statusFor(err), "failed to toggle rule", err)
		return
	}

	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDuplicateRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}

	rule, err := engine.DuplicateRule(r.Context(), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondError(w, statusFor(err), "failed to duplicate rule", err)
		return
	}

	respondJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleExecuteRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}

	var req ExecuteRuleRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}

	exec, err := engine.ExecuteRule(r.Context(), chi.URLParam(r, "ruleId"),
		rules.ExecuteOptions{Apply: req.Apply})
	if err != nil {
		respondError(w, statusFor(err), "failed to execute rule", err)
		return
	}

	respondJSON(w, http.StatusOK, exec)
}

func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	tenantID := chi.URLParam(r, "tenantId")

	var req CreateTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Title == "" {
		respondError(w, http.StatusBadRequest, "title is required", nil)
		return
	}

	ticket := &rules.Ticket{
		ID:          uuid.NewString(),
		Title:       req.Title,
		Description: req.Description,
		Status:      rules.StatusOpen,
		Priority:    rules.TicketPriority(req.Priority),
		Category:    req.Category,
		CreatedBy:   req.CreatedBy,
	}
	if ticket.Priority == "" {
		ticket.Priority = rules.PriorityMedium
	}

	store := rules.NewPostgresTicketStore(s.db, tenantID)
	if err := store.Insert(r.Context(), ticket); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create ticket", err)
		return
	}

	result, err := engine.OnFactCreated(r.Context(), ticket)
	if err != nil {
		// Ticket exists but routing could not run; the caller gets the
		// unrouted ticket and the error detail.
		logger.Error("routing pass failed", "ticket_id", ticket.ID, "error", err.Error())
		respondJSON(w, http.StatusCreated, CreateTicketResponse{Ticket: ticket})
		return
	}

	respondJSON(w, http.StatusCreated, CreateTicketResponse{
		Ticket:     result.Ticket,
		Executions: result.Executions,
	})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}

	filter := rules.ExecutionFilter{
		RuleID: r.URL.Query().Get("rule_id"),
		FactID: r.URL.Query().Get("fact_id"),
		Status: r.URL.Query().Get("status"),
		Limit:  100,
	}

	list, err := engine.ListExecutions(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list executions", err)
		return
	}
	if list == nil {
		list = []*rules.Execution{}
	}

	respondJSON(w, http.StatusOK, map[string]any{"executions": list})
}

func (s *Server) handleExecutionStats(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}

	stats, err := engine.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to compute stats", err)
		return
	}

	respondJSON(w, http.StatusOK, stats)
}

// statusFor maps library errors to HTTP status codes.
func statusFor(err error) int {
	var verr *rules.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, rules.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}

func main() {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		logger.Fatal("DATABASE_URL environment variable is required")
	}

	ctx := context.Background()
	server, err := NewServer(ctx, databaseURL)
	if err != nil {
		logger.Fatal("failed to create server", "error", err.Error())
	}
	defer server.db.Close()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", "error", err.Error())
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err.Error())
	}

	logger.Info("server stopped")
}
