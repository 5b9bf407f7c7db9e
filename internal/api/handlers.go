package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pulsefit/coach/internal/auth"
	"github.com/pulsefit/coach/internal/core"
	"github.com/pulsefit/coach/internal/logger"
	"github.com/pulsefit/coach/internal/notify"
	"github.com/pulsefit/coach/internal/store"
)

type APIHandler struct {
	coachService  *core.CoachService
	streamService *core.StreamService
	dbStore       *store.SQLiteStore
	notifier      notify.Notifier
	jwtSecret     string
	log           *logger.Logger
}

func NewAPIHandler(cs *core.CoachService, ss *core.StreamService, dbStore *store.SQLiteStore, notifier notify.Notifier, jwtSecret string, log *logger.Logger) *APIHandler {
	return &APIHandler{
		coachService:  cs,
		streamService: ss,
		dbStore:       dbStore,
		notifier:      notifier,
		jwtSecret:     jwtSecret,
		log:           log.With("service", "APIHandler"),
	}
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		externalUserID, err := auth.ValidateJWT(tokenString, h.jwtSecret)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		user, err := h.coachService.GetUserByExternalID(externalUserID)
		if err != nil {
			h.log.Error("failed to resolve user identity", "external_user_id", externalUserID, "error", err)
			http.Error(w, "Failed to process user identity", http.StatusInternalServerError)
			return
		}

		if user == nil {
			http.Error(w, "User not found", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), "userID", user.ID)
		ctx = context.WithValue(ctx, "externalUserID", user.ExternalUserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type SignupRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

func (h *APIHandler) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.UserID == "" || req.Password == "" {
		http.Error(w, "User ID and password are required", http.StatusBadRequest)
		return
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		h.log.Error("failed to hash password", "user_id", req.UserID, "error", err)
		http.Error(w, "Failed to process password", http.StatusInternalServerError)
		return
	}

	user, err := h.coachService.CreateUser(req.UserID, hashedPassword)
	if err != nil {
		h.log.Error("failed to create user", "user_id", req.UserID, "error", err)
		http.Error(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(user)
}

type LoginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.UserID == "" || req.Password == "" {
		http.Error(w, "User ID and password are required", http.StatusBadRequest)
		return
	}

	user, err := h.coachService.GetUserByExternalID(req.UserID)
	if err != nil {
		h.log.Error("failed to get user", "user_id", req.UserID, "error", err)
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	if user == nil || !auth.CheckPasswordHash(req.Password, user.PasswordHash) {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := auth.GenerateJWT(req.UserID, h.jwtSecret)
	if err != nil {
		h.log.Error("failed to generate JWT", "user_id", req.UserID, "error", err)
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// Tracking endpoints: thin producers for the records the aggregator reads.

type UpsertProfileRequest struct {
	DisplayName   string                 `json:"display_name"`
	Data          map[string]interface{} `json:"data"`
	HealthMetrics map[string]interface{} `json:"health_metrics,omitempty"`
}

func (h *APIHandler) UpsertProfileHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)

	var req UpsertProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	profile, err := h.dbStore.UpsertProfile(userID, req.DisplayName, req.Data)
	if err != nil {
		h.log.Error("failed to upsert profile", "user_id", userID, "error", err)
		http.Error(w, "Failed to save profile", http.StatusInternalServerError)
		return
	}

	if req.HealthMetrics != nil {
		if err := h.dbStore.UpsertHealthMetrics(userID, req.HealthMetrics); err != nil {
			h.log.Error("failed to upsert health metrics", "user_id", userID, "error", err)
			http.Error(w, "Failed to save health metrics", http.StatusInternalServerError)
			return
		}
	}

	json.NewEncoder(w).Encode(profile)
}

func (h *APIHandler) CreateGoalHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)

	var goal store.Goal
	if err := json.NewDecoder(r.Body).Decode(&goal); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if goal.Type == "" {
		http.Error(w, "Goal type is required", http.StatusBadRequest)
		return
	}

	goal.UserID = userID
	if err := h.dbStore.CreateGoal(&goal); err != nil {
		h.log.Error("failed to create goal", "user_id", userID, "error", err)
		http.Error(w, "Failed to create goal", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(goal)
}

func (h *APIHandler) LogActivityHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)

	var activity store.Activity
	if err := json.NewDecoder(r.Body).Decode(&activity); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if activity.Type == "" {
		http.Error(w, "Activity type is required", http.StatusBadRequest)
		return
	}

	activity.UserID = userID
	if err := h.dbStore.CreateActivity(&activity); err != nil {
		h.log.Error("failed to log activity", "user_id", userID, "error", err)
		http.Error(w, "Failed to log activity", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(activity)
}

// Coaching endpoints.

func (h *APIHandler) AskCoachHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)

	var req core.AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.coachService.Ask(r.Context(), userID, req)
	if err != nil {
		if errors.Is(err, core.ErrEmptyQuestion) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.log.Error("ask flow failed", "user_id", userID, "error", err)
		http.Error(w, "Failed to process question", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(resp)
}

func (h *APIHandler) CreateStreamHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)

	var req core.AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	streamID, err := h.streamService.StartStream(r.Context(), userID, req)
	if err != nil {
		if errors.Is(err, core.ErrEmptyQuestion) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.log.Error("failed to start stream", "user_id", userID, "error", err)
		http.Error(w, "Failed to start stream", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"streamId": streamID})
}

func (h *APIHandler) GetStreamHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)
	streamID := chi.URLParam(r, "streamID")

	state, err := h.streamService.GetStreamState(streamID, userID)
	if err != nil {
		if errors.Is(err, core.ErrStreamNotFound) {
			http.Error(w, "Stream not found", http.StatusNotFound)
			return
		}
		h.log.Error("failed to get stream state", "stream_id", streamID, "error", err)
		http.Error(w, "Failed to get stream state", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(state)
}

// EventsHandler serves the caller's notification topic as server-sent
// events. The transport is interchangeable; the state machine only knows
// the Notifier interface.
func (h *APIHandler) EventsHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	events, cancel, err := h.notifier.Subscribe(r.Context(), userID)
	if err != nil {
		h.log.Error("failed to subscribe to events", "user_id", userID, "error", err)
		http.Error(w, "Failed to subscribe", http.StatusInternalServerError)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (h *APIHandler) GeneratePlanHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)

	var req core.PlanRequest
	if r.Body != http.NoBody {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	plan, err := h.coachService.GeneratePlan(r.Context(), userID, req)
	if err != nil {
		if errors.Is(err, core.ErrNoProfile) {
			http.Error(w, "A stored profile is required before generating a plan", http.StatusPreconditionFailed)
			return
		}
		h.log.Error("plan generation failed", "user_id", userID, "error", err)
		http.Error(w, "Failed to generate plan", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(plan)
}

type GetSessionResponse struct {
	*store.Session
	Messages []store.ChatMessage `json:"messages"`
}

func (h *APIHandler) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)
	sessionID := chi.URLParam(r, "sessionID")

	session, messages, err := h.coachService.GetSessionHistory(sessionID, userID)
	if err != nil {
		h.log.Error("failed to get session", "session_id", sessionID, "error", err)
		http.Error(w, "Failed to get session", http.StatusInternalServerError)
		return
	}
	if session == nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	json.NewEncoder(w).Encode(GetSessionResponse{Session: session, Messages: messages})
}
