package core

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/pulsefit/coach/internal/extract"
	"github.com/pulsefit/coach/internal/logger"
	"github.com/pulsefit/coach/internal/store"
)

const (
	// Supplied chat history shorter than this gets topped up from the
	// interaction log.
	historyMergeThreshold = 5
	historyMergeLimit     = 5

	sessionMessageLimit = 100
)

var (
	defaultAskConfig  = GenConfig{Temperature: 0.7, MaxOutputTokens: 1024}
	defaultPlanConfig = GenConfig{Temperature: 0.6, MaxOutputTokens: 2048}
)

type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type AskRequest struct {
	Question    string            `json:"question"`
	ChatHistory []ChatTurn        `json:"chat_history,omitempty"`
	Files       []extract.FileRef `json:"files,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
}

type AskResponse struct {
	Answer          store.StructuredAnswer `json:"answer"`
	Personalized    bool                   `json:"personalized"`
	Timestamp       time.Time              `json:"timestamp"`
	QuestionAsked   string                 `json:"questionAsked"`
	UsedChatHistory bool                   `json:"usedChatHistory"`
	SessionID       string                 `json:"sessionId,omitempty"`
}

type PlanRequest struct {
	Preferences map[string]interface{} `json:"preferences"`
}

// CoachService orchestrates the question and plan flows: aggregate,
// compose, generate, parse, personalize, log.
type CoachService struct {
	dbStore    *store.SQLiteStore
	generator  Generator
	aggregator *Aggregator
	extractor  extract.Extractor
	log        *logger.Logger
}

func NewCoachService(dbStore *store.SQLiteStore, generator Generator, aggregator *Aggregator, extractor extract.Extractor, log *logger.Logger) *CoachService {
	return &CoachService{
		dbStore:    dbStore,
		generator:  generator,
		aggregator: aggregator,
		extractor:  extractor,
		log:        log.With("service", "CoachService"),
	}
}

// User passthroughs for the auth layer.

func (s *CoachService) GetUserByExternalID(externalUserID string) (*store.User, error) {
	return s.dbStore.GetUserByExternalID(externalUserID)
}

func (s *CoachService) CreateUser(externalUserID, passwordHash string) (*store.User, error) {
	return s.dbStore.CreateUser(externalUserID, passwordHash)
}

// preparedRequest is the output of everything that happens before the
// generative call; the sync and streaming flows share it.
type preparedRequest struct {
	question string
	prompt   string
	bundle   *PersonalizationBundle
	history  []store.ChatMessage
}

func (p *preparedRequest) usedChatHistory() bool {
	return len(p.history) > 0
}

func (s *CoachService) prepare(ctx context.Context, userID int64, req AskRequest) (*preparedRequest, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		// Rejected up front so no extraction, aggregation, or model call
		// ever happens for an invalid request.
		return nil, ErrEmptyQuestion
	}

	fileContent := ""
	if len(req.Files) > 0 && s.extractor != nil {
		var err error
		fileContent, err = s.extractor.Extract(ctx, req.Files)
		if err != nil {
			s.log.Warn("file extraction failed, proceeding without file content", "user_id", userID, "error", err)
			fileContent = ""
		}
	}

	bundle, err := s.aggregator.BuildBundle(userID)
	if err != nil {
		if !errors.Is(err, ErrNoProfile) {
			s.log.Warn("personalization aggregation failed, proceeding unpersonalized", "user_id", userID, "error", err)
		}
		bundle = nil
	}

	history := s.mergeHistory(userID, req.ChatHistory)

	prompt, err := ComposePrompt(question, bundle.ContextText(), history, fileContent)
	if err != nil {
		return nil, err
	}

	return &preparedRequest{
		question: question,
		prompt:   prompt,
		bundle:   bundle,
		history:  history,
	}, nil
}

// mergeHistory converts the supplied turns and, when they are few, merges
// in the user's most recent interaction-log entries, oldest first,
// deduplicated against anything already present by exact content match.
func (s *CoachService) mergeHistory(userID int64, supplied []ChatTurn) []store.ChatMessage {
	history := make([]store.ChatMessage, 0, len(supplied))
	for _, turn := range supplied {
		history = append(history, store.ChatMessage{Role: turn.Role, Content: turn.Content})
	}
	if len(history) >= historyMergeThreshold {
		return history
	}

	entries, err := s.dbStore.GetRecentInteractions(userID, historyMergeLimit)
	if err != nil {
		s.log.Warn("failed to read interaction log for history merge", "user_id", userID, "error", err)
		return history
	}
	if len(entries) == 0 {
		return history
	}

	seen := make(map[string]bool, len(history)*2)
	for _, msg := range history {
		seen[msg.Content] = true
	}

	var merged []store.ChatMessage
	for i := len(entries) - 1; i >= 0; i-- { // oldest first
		entry := entries[i]
		if entry.Question != "" && !seen[entry.Question] {
			merged = append(merged, store.ChatMessage{Role: "user", Content: entry.Question})
			seen[entry.Question] = true
		}
		if entry.Response != "" && !seen[entry.Response] {
			merged = append(merged, store.ChatMessage{Role: "assistant", Content: entry.Response})
			seen[entry.Response] = true
		}
	}
	return append(merged, history...)
}

// Ask runs the synchronous question flow. Invalid input is the only error
// returned; generation failure produces a well-formed fallback answer so
// the caller always gets three fields.
func (s *CoachService) Ask(ctx context.Context, userID int64, req AskRequest) (*AskResponse, error) {
	prep, err := s.prepare(ctx, userID, req)
	if err != nil {
		return nil, err // rejected before any external call; not logged as an interaction
	}

	session := s.getOrCreateSession(userID, req.SessionID)
	sessionID := ""
	if session != nil {
		sessionID = session.ID
	}

	raw, genErr := s.generator.Complete(ctx, prep.prompt, SystemInstruction, defaultAskConfig)
	if genErr != nil {
		s.log.Error("generation failed for question", "user_id", userID, "error", genErr)
		answer := fallbackAnswer(genErr)
		s.logInteraction(userID, prep, answer.MainAnswer, "error", map[string]interface{}{"error": genErr.Error()})
		return &AskResponse{
			Answer:          answer,
			Personalized:    false,
			Timestamp:       time.Now(),
			QuestionAsked:   prep.question,
			UsedChatHistory: prep.usedChatHistory(),
			SessionID:       sessionID,
		}, nil
	}

	parsed := ParseStructured(raw)
	final := PersonalizeAnswer(parsed, prep.bundle)
	personalized := prep.bundle != nil

	if session != nil {
		s.recordExchange(session, prep.question, final.MainAnswer)
	}
	s.logInteraction(userID, prep, final.MainAnswer, "question", map[string]interface{}{
		"personalized":      personalized,
		"used_chat_history": prep.usedChatHistory(),
	})

	return &AskResponse{
		Answer:          final,
		Personalized:    personalized,
		Timestamp:       time.Now(),
		QuestionAsked:   prep.question,
		UsedChatHistory: prep.usedChatHistory(),
		SessionID:       sessionID,
	}, nil
}

// GeneratePlan requires a stored profile; its absence is a precondition
// failure and no plan document is created.
func (s *CoachService) GeneratePlan(ctx context.Context, userID int64, req PlanRequest) (*store.Plan, error) {
	// The profile is a hard precondition here, unlike the question flow
	// where aggregation is best-effort. An aggregation failure means the
	// precondition could not be verified, so the plan does not proceed.
	bundle, err := s.aggregator.BuildBundle(userID)
	if err != nil {
		if errors.Is(err, ErrNoProfile) {
			return nil, ErrNoProfile
		}
		return nil, err
	}

	prompt := ComposePlanPrompt(req.Preferences, bundle.ContextText())
	raw, err := s.generator.Complete(ctx, prompt, PlanSystemInstruction, defaultPlanConfig)
	if err != nil {
		s.log.Error("generation failed for plan", "user_id", userID, "error", err)
		s.appendLog(&store.InteractionLogEntry{
			UserID:       userID,
			Question:     "plan_generation",
			Response:     "",
			ResponseType: "error",
			Metadata:     map[string]interface{}{"error": err.Error()},
		})
		return nil, err
	}

	parsed := ParseStructured(raw)
	plan := &store.Plan{
		UserID:      userID,
		Overview:    parsed.MainAnswer,
		Schedule:    parsed.AdditionalInfo,
		Tips:        parsed.PersonalizedTips,
		Preferences: req.Preferences,
	}
	if err := s.dbStore.CreatePlan(plan); err != nil {
		return nil, err
	}

	s.appendLog(&store.InteractionLogEntry{
		UserID:       userID,
		Question:     "plan_generation",
		Response:     plan.Overview,
		ResponseType: "plan",
		Metadata:     map[string]interface{}{"plan_id": plan.ID},
	})
	return plan, nil
}

// GetSessionHistory returns a session and its messages. Sessions owned by
// another user are reported as not found.
func (s *CoachService) GetSessionHistory(sessionID string, userID int64) (*store.Session, []store.ChatMessage, error) {
	session, err := s.dbStore.GetSessionByID(sessionID)
	if err != nil {
		return nil, nil, err
	}
	if session == nil || session.UserID != userID {
		return nil, nil, nil // Not found
	}
	messages, err := s.dbStore.GetSessionMessages(sessionID, sessionMessageLimit)
	if err != nil {
		return nil, nil, err
	}
	return session, messages, nil
}

// getOrCreateSession returns the session the exchange belongs to. A session
// id that does not exist or belongs to another user is silently replaced
// with a fresh session for the requester. Session upkeep is best-effort: a
// nil return means the exchange is simply not recorded against a session.
func (s *CoachService) getOrCreateSession(userID int64, sessionID string) *store.Session {
	if sessionID != "" {
		session, err := s.dbStore.GetSessionByID(sessionID)
		if err != nil {
			s.log.Warn("failed to load session", "session_id", sessionID, "error", err)
		} else if session != nil && session.UserID == userID {
			return session
		}
	} else {
		session, err := s.dbStore.GetLatestSessionByUser(userID)
		if err != nil {
			s.log.Warn("failed to load latest session", "user_id", userID, "error", err)
		} else if session != nil {
			return session
		}
	}

	session, err := s.dbStore.CreateSession(userID)
	if err != nil {
		s.log.Warn("failed to create session", "user_id", userID, "error", err)
		return nil
	}
	return session
}

func (s *CoachService) recordExchange(session *store.Session, question, answer string) {
	userMsg := store.ChatMessage{SessionID: session.ID, Role: "user", Content: question}
	if err := s.dbStore.AppendChatMessage(&userMsg); err != nil {
		s.log.Warn("failed to store user message", "session_id", session.ID, "error", err)
	}
	assistantMsg := store.ChatMessage{SessionID: session.ID, Role: "assistant", Content: answer}
	if err := s.dbStore.AppendChatMessage(&assistantMsg); err != nil {
		s.log.Warn("failed to store assistant message", "session_id", session.ID, "error", err)
	}
	if err := s.dbStore.TouchSession(session.ID, 2); err != nil {
		s.log.Warn("failed to touch session", "session_id", session.ID, "error", err)
	}
}

func (s *CoachService) logInteraction(userID int64, prep *preparedRequest, response, responseType string, metadata map[string]interface{}) {
	s.appendLog(&store.InteractionLogEntry{
		UserID:            userID,
		Question:          prep.question,
		ChatHistoryLength: len(prep.history),
		Response:          response,
		ResponseType:      responseType,
		Metadata:          metadata,
	})
}

func (s *CoachService) appendLog(entry *store.InteractionLogEntry) {
	if err := s.dbStore.AppendInteraction(entry); err != nil {
		s.log.Warn("failed to append interaction log entry", "user_id", entry.UserID, "error", err)
	}
}

func fallbackAnswer(genErr error) store.StructuredAnswer {
	main := "I'm sorry, the coaching service couldn't generate an answer right now. Please try again in a moment."
	var ge *GenerationError
	if errors.As(genErr, &ge) && ge.Code >= 500 {
		main = "I'm sorry, the coaching service is temporarily unavailable. Please try again in a moment."
	}
	return store.StructuredAnswer{MainAnswer: main}
}

