package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jnst/email-event-service/internal/logger"
	"github.com/jnst/email-event-service/internal/model"
	"github.com/jnst/email-event-service/internal/service"
)

const (
	contentType            = "Content-Type"
	applicationJSON        = "application/json"
	textPlain              = "text/plain; charset=utf-8"
	failedToEncodeResponse = "failed to encode response"
)

// APIServer handles HTTP requests for email submission.
type APIServer struct {
	emailService service.EmailService
	logger       *slog.Logger
}

// NewAPIServer creates a new API server instance.
func NewAPIServer(emailService service.EmailService, logger *slog.Logger) *APIServer {
	return &APIServer{
		emailService: emailService,
		logger:       logger,
	}
}

// Routes builds the router. gatherer backs /metrics.
func (s *APIServer) Routes(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Post("/emails", s.SendEmail)
	r.Get("/emails/{id}", s.GetEmail)
	r.Get("/health", s.HealthCheck)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}

// sendEmailRequest accepts the recipient as either "recipient" or "to".
type sendEmailRequest struct {
	Recipient string `json:"recipient"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

func (r *sendEmailRequest) params() *model.SendEmailParams {
	recipient := r.Recipient
	if recipient == "" {
		recipient = r.To
	}

	return &model.SendEmailParams{
		Recipient: recipient,
		Subject:   r.Subject,
		Body:      r.Body,
	}
}

// SendEmail handles POST /emails. It responds with the assigned id as plain text.
func (s *APIServer) SendEmail(w http.ResponseWriter, r *http.Request) {
	var req sendEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	id, err := s.emailService.Submit(r.Context(), req.params())
	if err != nil {
		var verrs model.ValidationErrors
		switch {
		case errors.As(err, &verrs):
			s.writeJSON(w, http.StatusBadRequest, verrs)
		case errors.Is(err, context.DeadlineExceeded):
			http.Error(w, "Timed out waiting for email id", http.StatusGatewayTimeout)
		case errors.Is(err, context.Canceled):
			// Client went away; nothing to answer.
		default:
			s.logger.ErrorContext(r.Context(), "failed to submit email", logger.Error(err))
			http.Error(w, "Failed to submit email", http.StatusInternalServerError)
		}

		return
	}

	w.Header().Set(contentType, textPlain)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(id.String()))
}

// GetEmail handles GET /emails/{id}.
func (s *APIServer) GetEmail(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid email id", http.StatusBadRequest)
		return
	}

	email, err := s.emailService.GetEmail(r.Context(), id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			http.Error(w, "Email not found", http.StatusNotFound)
			return
		}

		s.logger.ErrorContext(r.Context(), "failed to load email", logger.EmailID(id), logger.Error(err))
		http.Error(w, "Failed to load email", http.StatusInternalServerError)

		return
	}

	s.writeJSON(w, http.StatusOK, email)
}

// HealthCheck handles GET /health endpoint for service health check.
func (s *APIServer) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *APIServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set(contentType, applicationJSON)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error(failedToEncodeResponse, logger.Error(err))
	}
}
