package core

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsefit/coach/internal/extract"
	"github.com/pulsefit/coach/internal/logger"
	"github.com/pulsefit/coach/internal/store"
)

type fakeGenerator struct {
	completeText string
	completeErr  error
	chunks       []string
	streamErr    error

	lastPrompt string
	lastSystem string
	calls      int
}

func (f *fakeGenerator) Complete(_ context.Context, prompt, system string, _ GenConfig) (string, error) {
	f.calls++
	f.lastPrompt = prompt
	f.lastSystem = system
	if f.completeErr != nil {
		return "", f.completeErr
	}
	return f.completeText, nil
}

func (f *fakeGenerator) Stream(_ context.Context, prompt, system string, _ GenConfig) (<-chan string, <-chan error) {
	f.calls++
	f.lastPrompt = prompt
	f.lastSystem = system

	chunks := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errc)
		for _, chunk := range f.chunks {
			chunks <- chunk
		}
		errc <- f.streamErr
	}()
	return chunks, errc
}

type fakeExtractor struct {
	text  string
	calls int
}

func (f *fakeExtractor) Extract(_ context.Context, _ []extract.FileRef) (string, error) {
	f.calls++
	return f.text, nil
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	dbStore, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { dbStore.Close() })
	return dbStore
}

func newTestCoach(t *testing.T, gen Generator) (*CoachService, *store.SQLiteStore, *store.User) {
	t.Helper()
	dbStore := newTestStore(t)
	user, err := dbStore.CreateUser("test-user", "hash")
	require.NoError(t, err)

	log := logger.NewNop()
	aggregator := NewAggregator(dbStore, log)
	coach := NewCoachService(dbStore, gen, aggregator, nil, log)
	return coach, dbStore, user
}

const markedResponse = "MAIN ANSWER: Regular exercise improves heart health, mood, and sleep quality.\n" +
	"ADDITIONAL INFO: Even 30 minutes of moderate activity most days makes a difference.\n" +
	"PERSONALIZED TIPS: Pick an activity you enjoy so it sticks."

func TestAskWithoutPersonalizationData(t *testing.T) {
	gen := &fakeGenerator{completeText: markedResponse}
	coach, _, user := newTestCoach(t, gen)

	resp, err := coach.Ask(context.Background(), user.ID, AskRequest{
		Question: "What are three benefits of regular exercise?",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, resp.Answer.MainAnswer)
	assert.False(t, resp.Personalized)
	assert.False(t, resp.UsedChatHistory)
	assert.Equal(t, "What are three benefits of regular exercise?", resp.QuestionAsked)
	assert.Equal(t, SystemInstruction, gen.lastSystem)
}

func TestAskEmptyQuestionRejectedBeforeGeneration(t *testing.T) {
	gen := &fakeGenerator{completeText: markedResponse}
	coach, dbStore, user := newTestCoach(t, gen)

	_, err := coach.Ask(context.Background(), user.ID, AskRequest{Question: "   "})
	assert.ErrorIs(t, err, ErrEmptyQuestion)
	assert.Zero(t, gen.calls)

	count, err := dbStore.CountInteractions(user.ID)
	require.NoError(t, err)
	assert.Zero(t, count, "invalid input must not be logged as an interaction")
}

func TestAskEmptyQuestionRejectedBeforeExtraction(t *testing.T) {
	gen := &fakeGenerator{completeText: markedResponse}
	extractor := &fakeExtractor{text: "file text"}

	dbStore := newTestStore(t)
	user, err := dbStore.CreateUser("test-user", "hash")
	require.NoError(t, err)

	log := logger.NewNop()
	coach := NewCoachService(dbStore, gen, NewAggregator(dbStore, log), extractor, log)

	_, err = coach.Ask(context.Background(), user.ID, AskRequest{
		Question: "   ",
		Files:    []extract.FileRef{{Type: "text/plain", URL: "http://example.com/notes.txt", Name: "notes.txt"}},
	})
	assert.ErrorIs(t, err, ErrEmptyQuestion)
	assert.Zero(t, extractor.calls, "file extraction must not run for an empty question")
	assert.Zero(t, gen.calls)
}

func TestAskPersonalizedWithProfile(t *testing.T) {
	gen := &fakeGenerator{completeText: markedResponse}
	coach, dbStore, user := newTestCoach(t, gen)

	_, err := dbStore.UpsertProfile(user.ID, "Maria", map[string]interface{}{"age": 31})
	require.NoError(t, err)
	require.NoError(t, dbStore.UpsertHealthMetrics(user.ID, store.HealthMetrics{"fitness_level": "beginner"}))

	resp, err := coach.Ask(context.Background(), user.ID, AskRequest{Question: "How often should I train?"})
	require.NoError(t, err)

	assert.True(t, resp.Personalized)
	assert.Contains(t, resp.Answer.MainAnswer, "Hi Maria!")
	assert.Contains(t, resp.Answer.PersonalizedTips, "As a beginner")
	assert.Contains(t, gen.lastPrompt, "Name: Maria")
}

func TestAskGenerationFailureReturnsFallback(t *testing.T) {
	gen := &fakeGenerator{completeErr: &GenerationError{Code: 503, Err: context.DeadlineExceeded}}
	coach, dbStore, user := newTestCoach(t, gen)

	resp, err := coach.Ask(context.Background(), user.ID, AskRequest{Question: "Anything?"})
	require.NoError(t, err)

	assert.NotEmpty(t, resp.Answer.MainAnswer)
	assert.False(t, resp.Personalized)

	entries, err := dbStore.GetRecentInteractions(user.ID, 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "error", entries[0].ResponseType)
}

func TestAskLogsInteractionAndRecordsSession(t *testing.T) {
	gen := &fakeGenerator{completeText: markedResponse}
	coach, dbStore, user := newTestCoach(t, gen)

	resp, err := coach.Ask(context.Background(), user.ID, AskRequest{Question: "Is walking enough?"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.SessionID)

	entries, err := dbStore.GetRecentInteractions(user.ID, 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "question", entries[0].ResponseType)
	assert.Equal(t, "Is walking enough?", entries[0].Question)

	session, messages, err := coach.GetSessionHistory(resp.SessionID, user.ID)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, 2, session.MessageCount)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "assistant", messages[1].Role)
}

func TestAskReprovisionsForeignSession(t *testing.T) {
	gen := &fakeGenerator{completeText: markedResponse}
	coach, dbStore, user := newTestCoach(t, gen)

	other, err := dbStore.CreateUser("other-user", "hash")
	require.NoError(t, err)
	foreign, err := dbStore.CreateSession(other.ID)
	require.NoError(t, err)

	resp, err := coach.Ask(context.Background(), user.ID, AskRequest{
		Question:  "Can I train daily?",
		SessionID: foreign.ID,
	})
	require.NoError(t, err)

	// A session belonging to another user is silently replaced with a
	// fresh one for the requester.
	assert.NotEqual(t, foreign.ID, resp.SessionID)
	session, _, err := coach.GetSessionHistory(resp.SessionID, user.ID)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, user.ID, session.UserID)
}

func TestMergeHistoryFromInteractionLog(t *testing.T) {
	gen := &fakeGenerator{completeText: markedResponse}
	coach, dbStore, user := newTestCoach(t, gen)

	require.NoError(t, dbStore.AppendInteraction(&store.InteractionLogEntry{
		UserID:       user.ID,
		Question:     "What is HIIT?",
		Response:     "High-intensity interval training.",
		ResponseType: "question",
	}))

	merged := coach.mergeHistory(user.ID, []ChatTurn{{Role: "user", Content: "And for today?"}})

	require.Len(t, merged, 3)
	assert.Equal(t, "What is HIIT?", merged[0].Content)
	assert.Equal(t, "High-intensity interval training.", merged[1].Content)
	assert.Equal(t, "And for today?", merged[2].Content)
}

func TestMergeHistoryDeduplicatesByContent(t *testing.T) {
	gen := &fakeGenerator{completeText: markedResponse}
	coach, dbStore, user := newTestCoach(t, gen)

	require.NoError(t, dbStore.AppendInteraction(&store.InteractionLogEntry{
		UserID:       user.ID,
		Question:     "What is HIIT?",
		Response:     "High-intensity interval training.",
		ResponseType: "question",
	}))

	merged := coach.mergeHistory(user.ID, []ChatTurn{
		{Role: "user", Content: "What is HIIT?"},
		{Role: "assistant", Content: "High-intensity interval training."},
	})

	assert.Len(t, merged, 2)
}

func TestMergeHistorySkippedWhenLongEnough(t *testing.T) {
	gen := &fakeGenerator{completeText: markedResponse}
	coach, dbStore, user := newTestCoach(t, gen)

	require.NoError(t, dbStore.AppendInteraction(&store.InteractionLogEntry{
		UserID: user.ID, Question: "old question", Response: "old answer", ResponseType: "question",
	}))

	supplied := make([]ChatTurn, historyMergeThreshold)
	for i := range supplied {
		supplied[i] = ChatTurn{Role: "user", Content: string(rune('a' + i))}
	}

	merged := coach.mergeHistory(user.ID, supplied)
	assert.Len(t, merged, historyMergeThreshold)
}

func TestGeneratePlanRequiresProfile(t *testing.T) {
	gen := &fakeGenerator{completeText: markedResponse}
	coach, dbStore, user := newTestCoach(t, gen)

	_, err := coach.GeneratePlan(context.Background(), user.ID, PlanRequest{
		Preferences: map[string]interface{}{"days_per_week": 3},
	})
	assert.ErrorIs(t, err, ErrNoProfile)
	assert.Zero(t, gen.calls)

	count, err := dbStore.CountPlans(user.ID)
	require.NoError(t, err)
	assert.Zero(t, count, "no plan document may be created on precondition failure")
}

func TestGeneratePlanFailsWhenAggregationFails(t *testing.T) {
	gen := &fakeGenerator{completeText: markedResponse}
	coach, dbStore, user := newTestCoach(t, gen)

	_, err := dbStore.UpsertProfile(user.ID, "Sam", nil)
	require.NoError(t, err)

	// A storage failure means the profile precondition cannot be verified,
	// so the plan flow stops instead of proceeding on preferences alone.
	require.NoError(t, dbStore.Close())

	_, err = coach.GeneratePlan(context.Background(), user.ID, PlanRequest{
		Preferences: map[string]interface{}{"days_per_week": 3},
	})
	assert.ErrorIs(t, err, ErrAggregation)
	assert.Zero(t, gen.calls)
}

func TestGeneratePlanPersistsSections(t *testing.T) {
	planText := "MAIN ANSWER: A 3-day full-body program.\n" +
		"ADDITIONAL INFO: Monday squats, Wednesday push, Friday pull.\n" +
		"PERSONALIZED TIPS: Eat protein with every meal."
	gen := &fakeGenerator{completeText: planText}
	coach, dbStore, user := newTestCoach(t, gen)

	_, err := dbStore.UpsertProfile(user.ID, "Sam", nil)
	require.NoError(t, err)

	plan, err := coach.GeneratePlan(context.Background(), user.ID, PlanRequest{
		Preferences: map[string]interface{}{"days_per_week": 3},
	})
	require.NoError(t, err)

	assert.Equal(t, "A 3-day full-body program.", plan.Overview)
	assert.Equal(t, "Monday squats, Wednesday push, Friday pull.", plan.Schedule)
	assert.Equal(t, "Eat protein with every meal.", plan.Tips)
	assert.Equal(t, PlanSystemInstruction, gen.lastSystem)

	stored, err := dbStore.GetLatestPlan(user.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, plan.ID, stored.ID)
}
