package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsefit/coach/internal/logger"
	"github.com/pulsefit/coach/internal/notify"
	"github.com/pulsefit/coach/internal/store"
)

func newTestStream(t *testing.T, gen Generator) (*StreamService, *notify.MemoryNotifier, *store.SQLiteStore, *store.User) {
	t.Helper()
	coach, dbStore, user := newTestCoach(t, gen)
	notifier := notify.NewMemoryNotifier()
	t.Cleanup(func() { notifier.Close() })
	streams := NewStreamService(coach, notifier, 10*time.Millisecond, logger.NewNop())
	return streams, notifier, dbStore, user
}

// collectEvents drains the subscription until a terminal event or timeout.
func collectEvents(t *testing.T, events <-chan notify.Event) []notify.Event {
	t.Helper()
	var collected []notify.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event := <-events:
			collected = append(collected, event)
			if event.Type == notify.EventStreamComplete || event.Type == notify.EventStreamError {
				return collected
			}
		case <-deadline:
			t.Fatal("timed out waiting for terminal stream event")
		}
	}
}

func TestStreamEmptyQuestionRejected(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"x"}}
	streams, _, dbStore, user := newTestStream(t, gen)

	_, err := streams.StartStream(context.Background(), user.ID, AskRequest{Question: " "})
	assert.ErrorIs(t, err, ErrEmptyQuestion)

	count, err := dbStore.CountInteractions(user.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestStreamCompletesWithStructuredResponse(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{
		"MAIN ANSWER: Walking daily ",
		"is a great habit.\n",
		"ADDITIONAL INFO: Start with 20 minutes.\n",
		"PERSONALIZED TIPS: Track your steps.",
	}}
	streams, notifier, _, user := newTestStream(t, gen)

	events, cancel, err := notifier.Subscribe(context.Background(), user.ID)
	require.NoError(t, err)
	defer cancel()

	streamID, err := streams.StartStream(context.Background(), user.ID, AskRequest{Question: "Is walking good?"})
	require.NoError(t, err)
	require.NotEmpty(t, streamID)

	collected := collectEvents(t, events)
	terminal := collected[len(collected)-1]
	assert.Equal(t, notify.EventStreamComplete, terminal.Type)
	assert.Equal(t, streamID, terminal.StreamID)
	require.NotNil(t, terminal.Response)
	assert.Contains(t, terminal.Response.MainAnswer, "Walking daily is a great habit.")

	state, err := streams.GetStreamState(streamID, user.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StreamComplete, state.Status)
	assert.True(t, state.Complete)
	assert.Empty(t, state.Error)
	require.NotNil(t, state.Structured)
	assert.Equal(t, "Start with 20 minutes.", state.Structured.AdditionalInfo)

	// At complete, partialResponse is replaced with the exact full text.
	full := "MAIN ANSWER: Walking daily is a great habit.\n" +
		"ADDITIONAL INFO: Start with 20 minutes.\n" +
		"PERSONALIZED TIPS: Track your steps."
	assert.Equal(t, full, state.PartialResponse)
}

func TestStreamPartialUpdatesGrow(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"one ", "two ", "three"}}
	streams, notifier, _, user := newTestStream(t, gen)

	events, cancel, err := notifier.Subscribe(context.Background(), user.ID)
	require.NoError(t, err)
	defer cancel()

	_, err = streams.StartStream(context.Background(), user.ID, AskRequest{Question: "count"})
	require.NoError(t, err)

	collected := collectEvents(t, events)

	lastLen := 0
	for _, event := range collected {
		if event.Type != notify.EventStreamUpdate {
			continue
		}
		assert.GreaterOrEqual(t, len(event.PartialResponse), lastLen, "partial response must never shrink")
		lastLen = len(event.PartialResponse)
	}
	assert.Equal(t, notify.EventStreamComplete, collected[len(collected)-1].Type)
}

func TestStreamGenerationFailureEndsInError(t *testing.T) {
	gen := &fakeGenerator{
		chunks:    []string{"partial ", "output "},
		streamErr: &GenerationError{Code: 500, Err: errors.New("backend exploded")},
	}
	streams, notifier, _, user := newTestStream(t, gen)

	events, cancel, err := notifier.Subscribe(context.Background(), user.ID)
	require.NoError(t, err)
	defer cancel()

	streamID, err := streams.StartStream(context.Background(), user.ID, AskRequest{Question: "doomed"})
	require.NoError(t, err)

	collected := collectEvents(t, events)
	terminal := collected[len(collected)-1]
	assert.Equal(t, notify.EventStreamError, terminal.Type)
	assert.NotEmpty(t, terminal.Error)

	state, err := streams.GetStreamState(streamID, user.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StreamError, state.Status)
	assert.True(t, state.Complete, "error is terminal so consumers can stop waiting")
	assert.NotEmpty(t, state.Error)
	assert.Nil(t, state.Structured)
}

func TestStreamTerminalStateIsFinal(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"MAIN ANSWER: done"}}
	streams, notifier, dbStore, user := newTestStream(t, gen)

	events, cancel, err := notifier.Subscribe(context.Background(), user.ID)
	require.NoError(t, err)
	defer cancel()

	streamID, err := streams.StartStream(context.Background(), user.ID, AskRequest{Question: "finish"})
	require.NoError(t, err)
	collectEvents(t, events)

	// Writes after a terminal state are refused by the store guards.
	require.NoError(t, dbStore.UpdateStreamPartial(streamID, "stale write"))
	require.NoError(t, dbStore.SetStreamStatus(streamID, store.StreamProcessing))

	state, err := streams.GetStreamState(streamID, user.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StreamComplete, state.Status)
	assert.NotEqual(t, "stale write", state.PartialResponse)
}

func TestStreamStateHiddenFromOtherUsers(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"MAIN ANSWER: private"}}
	streams, notifier, dbStore, user := newTestStream(t, gen)

	events, cancel, err := notifier.Subscribe(context.Background(), user.ID)
	require.NoError(t, err)
	defer cancel()

	streamID, err := streams.StartStream(context.Background(), user.ID, AskRequest{Question: "secret"})
	require.NoError(t, err)
	collectEvents(t, events)

	other, err := dbStore.CreateUser("someone-else", "hash")
	require.NoError(t, err)

	_, err = streams.GetStreamState(streamID, other.ID)
	assert.ErrorIs(t, err, ErrStreamNotFound)
}

func TestStreamLogsInteraction(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"MAIN ANSWER: logged"}}
	streams, notifier, dbStore, user := newTestStream(t, gen)

	events, cancel, err := notifier.Subscribe(context.Background(), user.ID)
	require.NoError(t, err)
	defer cancel()

	_, err = streams.StartStream(context.Background(), user.ID, AskRequest{Question: "log me"})
	require.NoError(t, err)
	collectEvents(t, events)

	entries, err := dbStore.GetRecentInteractions(user.ID, 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "stream", entries[0].ResponseType)
	assert.Equal(t, "log me", entries[0].Question)
}
