package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/simple-mfa/mfa-bridge/pkg/authflow"
	"github.com/simple-mfa/mfa-bridge/pkg/policy"
	"github.com/simple-mfa/mfa-bridge/pkg/poller"
	"github.com/simple-mfa/mfa-bridge/pkg/session"
)

const defaultTokenExpiry = 10 * time.Minute

// Config tunes the HTTP surface.
type Config struct {
	// JwtSecret signs the per-attempt tokens.
	JwtSecret string

	// TokenExpiry bounds how long one login attempt may take.
	TokenExpiry time.Duration

	// PollInBrowser enables the background poll endpoints. When off, push
	// confirmation relies on timed form resubmission alone.
	PollInBrowser bool

	// Schedule provides the poll intervals.
	Schedule poller.Schedule

	// ForwardHeaders lists request headers to pass through to the server.
	ForwardHeaders []string

	// ForwardClientIP passes the connecting client's address along as
	// X-Forwarded-For so the server can apply address-based policies.
	ForwardClientIP bool
}

// Handle is the HTTP surface of the bridge.
type Handle struct {
	flow     *authflow.Service
	repo     session.Repository
	gate     *policy.Gate
	provider authflow.Provider

	tokenAuth *jwtauth.JWTAuth
	config    Config

	mu      sync.Mutex
	workers map[uuid.UUID]*poller.Worker
}

// NewHandle creates a new Handle
func NewHandle(flow *authflow.Service, repo session.Repository, gate *policy.Gate, provider authflow.Provider, config Config) *Handle {
	if config.TokenExpiry <= 0 {
		config.TokenExpiry = defaultTokenExpiry
	}
	if config.Schedule.Len() == 0 {
		config.Schedule = poller.DefaultSchedule()
	}
	return &Handle{
		flow:      flow,
		repo:      repo,
		gate:      gate,
		provider:  provider,
		tokenAuth: jwtauth.New("HS256", []byte(config.JwtSecret), nil),
		config:    config,
		workers:   make(map[uuid.UUID]*poller.Worker),
	}
}

// Routes returns the http.Handler for the MFA API.
func Routes(h *Handle) http.Handler {
	r := chi.NewRouter()

	r.Post("/attempts", h.CreateAttempt)

	r.Group(func(r chi.Router) {
		r.Use(jwtauth.Verifier(h.tokenAuth))
		r.Use(jwtauth.Authenticator(h.tokenAuth))

		r.Get("/state", h.GetState)
		r.Post("/verify", h.Verify)
		r.Post("/poll/start", h.StartPoll)
		r.Get("/poll/status", h.PollStatus)
		r.Post("/poll/stop", h.StopPoll)
	})

	return r
}

// CreateAttempt opens a login attempt for a user: the activation gate runs,
// the configured flow seeds the attempt, and a token bound to the attempt
// comes back for the follow-up calls.
// (POST /attempts)
func (h *Handle) CreateAttempt(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.PlainText(w, r, "unable to parse form")
		return
	}
	username := strings.TrimSpace(r.PostForm.Get("username"))
	if username == "" {
		render.Status(r, http.StatusBadRequest)
		render.PlainText(w, r, "username is required")
		return
	}

	required, err := h.gate.Required(r.Context(), username, clientIP(r))
	if err != nil {
		slog.Warn("Activation gate lookup failed, requiring second factor", "username", username, "err", err)
	}

	attempt, err := h.repo.Create(r.Context(), username)
	if err != nil {
		slog.Error("Failed to create attempt", "err", err)
		render.Status(r, http.StatusInternalServerError)
		render.PlainText(w, r, "failed to create attempt")
		return
	}

	if !required {
		attempt.State.NoAuthRequired = true
		attempt.State.Username = username
	} else if err := h.flow.Begin(r.Context(), attempt.State, username, h.forwardedHeaders(r)); err != nil {
		slog.Error("Failed to seed attempt", "username", username, "err", err)
		render.Status(r, http.StatusBadGateway)
		render.PlainText(w, r, "authentication server unreachable")
		return
	}

	if err := h.repo.Save(r.Context(), attempt); err != nil {
		slog.Error("Failed to save attempt", "err", err)
		render.Status(r, http.StatusInternalServerError)
		render.PlainText(w, r, "failed to save attempt")
		return
	}

	claims := map[string]interface{}{
		"attempt_id": attempt.ID.String(),
		"username":   username,
		"exp":        time.Now().Add(h.config.TokenExpiry).Unix(),
	}
	_, token, err := h.tokenAuth.Encode(claims)
	if err != nil {
		slog.Error("Failed to issue attempt token", "err", err)
		render.Status(r, http.StatusInternalServerError)
		render.PlainText(w, r, "failed to issue token")
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, AttemptResponse{Token: token, State: newStateResponse(attempt.State)})
}

// GetState returns the attempt's render state.
// (GET /state)
func (h *Handle) GetState(w http.ResponseWriter, r *http.Request) {
	attempt, ok := h.attemptFromToken(w, r)
	if !ok {
		return
	}
	render.JSON(w, r, newStateResponse(attempt.State))
}

// Verify runs one submission through the state machine.
// (POST /verify)
func (h *Handle) Verify(w http.ResponseWriter, r *http.Request) {
	attempt, ok := h.attemptFromToken(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.PlainText(w, r, "unable to parse form")
		return
	}

	// An explicit submission terminates any background poll for this
	// attempt; the two must never run at once.
	h.stopWorker(r.Context(), attempt)

	request := authflow.ParseForm(r.PostForm)
	request.Username = attempt.Username
	request.Password = r.PostForm.Get("password")
	request.ClientIP = clientIP(r)
	request.Headers = h.forwardedHeaders(r)

	authenticated, err := h.flow.Verify(r.Context(), attempt.State, request)

	if saveErr := h.repo.Save(r.Context(), attempt); saveErr != nil {
		slog.Error("Failed to save attempt", "err", saveErr)
	}

	if authenticated {
		if err := h.repo.Delete(r.Context(), attempt.ID); err != nil {
			slog.Warn("Failed to delete finished attempt", "err", err)
		}
		username := attempt.State.Username
		if username == "" {
			username = attempt.Username
		}
		render.JSON(w, r, VerifyResponse{
			Authenticated: true,
			Username:      username,
			State:         newStateResponse(attempt.State),
		})
		return
	}

	var failure *authflow.AuthFailure
	if errors.As(err, &failure) && failure.Type == authflow.ErrorUnreachable {
		render.Status(r, http.StatusBadGateway)
	} else {
		render.Status(r, http.StatusUnauthorized)
	}

	resp := VerifyResponse{State: newStateResponse(attempt.State)}
	if failure != nil {
		resp.Message = failure.Message
	}
	render.JSON(w, r, resp)
}

// StartPoll launches the background push poll for the attempt.
// (POST /poll/start)
func (h *Handle) StartPoll(w http.ResponseWriter, r *http.Request) {
	if !h.config.PollInBrowser {
		render.Status(r, http.StatusNotFound)
		render.PlainText(w, r, "in-browser polling is disabled")
		return
	}
	attempt, ok := h.attemptFromToken(w, r)
	if !ok {
		return
	}
	if attempt.State.TransactionID == "" {
		render.Status(r, http.StatusConflict)
		render.PlainText(w, r, "no pending transaction")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, running := h.workers[attempt.ID]; running {
		render.Status(r, http.StatusAccepted)
		render.JSON(w, r, PollStatusResponse{Running: true})
		return
	}

	interval := h.config.Schedule.DelayFor(attempt.State.LoadCounter)
	worker := poller.NewWorker(headerlessPoll{provider: h.provider, headers: h.forwardedHeaders(r)},
		attempt.State.TransactionID, interval)
	worker.Start(context.WithoutCancel(r.Context()))
	h.workers[attempt.ID] = worker

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, PollStatusResponse{Running: true})
}

// PollStatus reports the background poll's progress.
// (GET /poll/status)
func (h *Handle) PollStatus(w http.ResponseWriter, r *http.Request) {
	attempt, ok := h.attemptFromToken(w, r)
	if !ok {
		return
	}

	h.mu.Lock()
	worker := h.workers[attempt.ID]
	h.mu.Unlock()

	if worker == nil {
		render.JSON(w, r, PollStatusResponse{})
		return
	}

	status := PollStatusResponse{Running: true}
	select {
	case <-worker.Done():
		status.Running = false
		status.Confirmed = worker.Confirmed()
		status.Failed = worker.Failed()
	default:
	}
	render.JSON(w, r, status)
}

// StopPoll terminates the background poll.
// (POST /poll/stop)
func (h *Handle) StopPoll(w http.ResponseWriter, r *http.Request) {
	attempt, ok := h.attemptFromToken(w, r)
	if !ok {
		return
	}
	h.stopWorker(r.Context(), attempt)
	render.JSON(w, r, PollStatusResponse{})
}

// stopWorker terminates and forgets the attempt's poll worker, carrying a
// poll failure over into the render state.
func (h *Handle) stopWorker(ctx context.Context, attempt *session.Attempt) {
	h.mu.Lock()
	worker := h.workers[attempt.ID]
	delete(h.workers, attempt.ID)
	h.mu.Unlock()

	if worker == nil {
		return
	}
	worker.Stop()
	worker.Wait()

	if worker.Failed() {
		attempt.State.PollInBrowserFailed = true
		if err := h.repo.Save(ctx, attempt); err != nil {
			slog.Error("Failed to save attempt", "err", err)
		}
	}
}

func (h *Handle) attemptFromToken(w http.ResponseWriter, r *http.Request) (*session.Attempt, bool) {
	_, claims, err := jwtauth.FromContext(r.Context())
	if err != nil {
		render.Status(r, http.StatusUnauthorized)
		render.PlainText(w, r, "invalid token")
		return nil, false
	}
	rawID, _ := claims["attempt_id"].(string)
	attemptID, err := uuid.Parse(rawID)
	if err != nil {
		render.Status(r, http.StatusUnauthorized)
		render.PlainText(w, r, "invalid attempt token")
		return nil, false
	}

	attempt, err := h.repo.Get(r.Context(), attemptID)
	if err != nil {
		if errors.Is(err, session.ErrAttemptNotFound) {
			render.Status(r, http.StatusUnauthorized)
			render.PlainText(w, r, "unknown attempt")
			return nil, false
		}
		slog.Error("Failed to load attempt", "err", err)
		render.Status(r, http.StatusInternalServerError)
		render.PlainText(w, r, "failed to load attempt")
		return nil, false
	}
	return attempt, true
}

func (h *Handle) forwardedHeaders(r *http.Request) http.Header {
	if len(h.config.ForwardHeaders) == 0 && !h.config.ForwardClientIP {
		return nil
	}
	headers := http.Header{}
	for _, name := range h.config.ForwardHeaders {
		for _, value := range r.Header.Values(name) {
			headers.Add(name, value)
		}
	}
	if h.config.ForwardClientIP {
		headers.Set("X-Forwarded-For", clientIP(r))
	}
	return headers
}

// headerlessPoll adapts the provider to the worker's narrower interface.
type headerlessPoll struct {
	provider authflow.Provider
	headers  http.Header
}

func (p headerlessPoll) PollTransaction(ctx context.Context, transactionID string) (bool, error) {
	return p.provider.PollTransaction(ctx, transactionID, p.headers)
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
