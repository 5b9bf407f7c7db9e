package core

import (
	"context"
	"strings"
	"time"

	"github.com/pulsefit/coach/internal/logger"
	"github.com/pulsefit/coach/internal/notify"
	"github.com/pulsefit/coach/internal/store"
)

// StreamService runs the streaming variant of the question flow. A call to
// StartStream returns a stream id immediately; generation, periodic
// persistence, and subscriber notification happen in a detached goroutine.
// Client disconnection never aborts processing — the final record is still
// useful on the next read — so the pipeline runs on its own context and
// only the generation timeout bounds it.
type StreamService struct {
	coach         *CoachService
	notifier      notify.Notifier
	log           *logger.Logger
	flushInterval time.Duration
}

func NewStreamService(coach *CoachService, notifier notify.Notifier, flushInterval time.Duration, log *logger.Logger) *StreamService {
	return &StreamService{
		coach:         coach,
		notifier:      notifier,
		log:           log.With("service", "StreamService"),
		flushInterval: flushInterval,
	}
}

// StartStream validates the request, creates the durable stream record in
// the starting state, and kicks off processing.
func (s *StreamService) StartStream(_ context.Context, userID int64, req AskRequest) (string, error) {
	if strings.TrimSpace(req.Question) == "" {
		return "", ErrEmptyQuestion
	}

	state, err := s.coach.dbStore.CreateStreamState(userID, strings.TrimSpace(req.Question))
	if err != nil {
		return "", err
	}

	go s.run(state.ID, userID, req)

	return state.ID, nil
}

// GetStreamState reads a stream record by id. Streams owned by another
// user are reported as not found.
func (s *StreamService) GetStreamState(streamID string, userID int64) (*store.StreamState, error) {
	state, err := s.coach.dbStore.GetStreamState(streamID)
	if err != nil {
		return nil, err
	}
	if state == nil || state.UserID != userID {
		return nil, ErrStreamNotFound
	}
	return state, nil
}

// run drives one stream through starting → processing → streaming →
// complete, or into error from any non-terminal state. Transitions are
// monotonic; the store refuses writes once complete is set.
func (s *StreamService) run(streamID string, userID int64, req AskRequest) {
	ctx := context.Background()
	db := s.coach.dbStore

	prep, err := s.coach.prepare(ctx, userID, req)
	if err != nil {
		s.fail(ctx, streamID, userID, err, nil)
		return
	}

	if err := db.SetStreamStatus(streamID, store.StreamProcessing); err != nil {
		s.log.Warn("failed to mark stream processing", "stream_id", streamID, "error", err)
	}

	chunks, errc := s.coach.generator.Stream(ctx, prep.prompt, SystemInstruction, defaultAskConfig)

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	var full strings.Builder
	dirty := false
	streaming := false
	flush := func() {
		if err := db.UpdateStreamPartial(streamID, full.String()); err != nil {
			s.log.Warn("failed to persist partial response", "stream_id", streamID, "error", err)
		}
		s.publish(ctx, userID, notify.Event{
			Type:            notify.EventStreamUpdate,
			StreamID:        streamID,
			PartialResponse: full.String(),
		})
		dirty = false
	}

	for chunks != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				break
			}
			full.WriteString(chunk)
			dirty = true
			if !streaming {
				// entering streaming with new data is externally observable
				streaming = true
				flush()
			}
		case <-ticker.C:
			if dirty {
				flush()
			}
		}
	}
	if dirty {
		flush() // last chunk is flushed regardless of interval
	}

	if genErr := <-errc; genErr != nil {
		s.fail(ctx, streamID, userID, genErr, prep)
		return
	}

	fullText := full.String()
	parsed := ParseStructured(fullText)
	final := PersonalizeAnswer(parsed, prep.bundle)

	if err := db.CompleteStream(streamID, fullText, &final); err != nil {
		s.log.Error("failed to complete stream", "stream_id", streamID, "error", err)
	}

	if session := s.coach.getOrCreateSession(userID, req.SessionID); session != nil {
		s.coach.recordExchange(session, prep.question, final.MainAnswer)
	}
	s.coach.logInteraction(userID, prep, final.MainAnswer, "stream", map[string]interface{}{
		"stream_id":    streamID,
		"personalized": prep.bundle != nil,
	})

	s.publish(ctx, userID, notify.Event{
		Type:     notify.EventStreamComplete,
		StreamID: streamID,
		Response: &final,
	})
}

// fail moves the stream to its terminal error state and tells subscribers
// to stop waiting.
func (s *StreamService) fail(ctx context.Context, streamID string, userID int64, cause error, prep *preparedRequest) {
	s.log.Error("stream failed", "stream_id", streamID, "error", cause)

	if err := s.coach.dbStore.FailStream(streamID, cause.Error()); err != nil {
		s.log.Error("failed to record stream error", "stream_id", streamID, "error", err)
	}

	if prep != nil {
		s.coach.logInteraction(userID, prep, "", "stream_error", map[string]interface{}{
			"stream_id": streamID,
			"error":     cause.Error(),
		})
	}

	s.publish(ctx, userID, notify.Event{
		Type:     notify.EventStreamError,
		StreamID: streamID,
		Error:    cause.Error(),
	})
}

func (s *StreamService) publish(ctx context.Context, userID int64, event notify.Event) {
	if err := s.notifier.Publish(ctx, userID, event); err != nil {
		s.log.Warn("failed to publish stream event", "user_id", userID, "type", event.Type, "error", err)
	}
}
