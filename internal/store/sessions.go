package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session methods

func (s *SQLiteStore) CreateSession(userID int64) (*Session, error) {
	sessionID := uuid.NewString()
	now := time.Now()

	stmt, err := s.db.Prepare("INSERT INTO sessions (id, user_id, created_at, last_updated_at, message_count) VALUES (?, ?, ?, ?, 0)")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare session insert: %w", err)
	}
	defer stmt.Close()

	if _, err = stmt.Exec(sessionID, userID, now, now); err != nil {
		return nil, fmt.Errorf("failed to execute session insert: %w", err)
	}
	return &Session{ID: sessionID, UserID: userID, CreatedAt: now, LastUpdatedAt: now}, nil
}

func (s *SQLiteStore) GetSessionByID(sessionID string) (*Session, error) {
	var session Session
	err := s.db.QueryRow("SELECT id, user_id, created_at, last_updated_at, message_count FROM sessions WHERE id = ?", sessionID).Scan(&session.ID, &session.UserID, &session.CreatedAt, &session.LastUpdatedAt, &session.MessageCount)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &session, nil
}

func (s *SQLiteStore) GetLatestSessionByUser(userID int64) (*Session, error) {
	var session Session
	err := s.db.QueryRow("SELECT id, user_id, created_at, last_updated_at, message_count FROM sessions WHERE user_id = ? ORDER BY last_updated_at DESC LIMIT 1", userID).Scan(&session.ID, &session.UserID, &session.CreatedAt, &session.LastUpdatedAt, &session.MessageCount)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get latest session: %w", err)
	}
	return &session, nil
}

// TouchSession bumps message_count and last_updated_at. Re-applying the same
// bump is harmless: the count is advisory, not a consistency anchor.
func (s *SQLiteStore) TouchSession(sessionID string, addedMessages int) error {
	res, err := s.db.Exec("UPDATE sessions SET message_count = message_count + ?, last_updated_at = ? WHERE id = ?", addedMessages, time.Now(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("session not found")
	}
	return nil
}

// Chat message methods

func (s *SQLiteStore) AppendChatMessage(msg *ChatMessage) error {
	msg.ID = uuid.NewString()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	stmt, err := s.db.Prepare("INSERT INTO chat_messages (id, session_id, role, content, timestamp) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare chat message insert: %w", err)
	}
	defer stmt.Close()

	if _, err = stmt.Exec(msg.ID, msg.SessionID, msg.Role, msg.Content, msg.Timestamp); err != nil {
		return fmt.Errorf("failed to execute chat message insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSessionMessages(sessionID string, limit int) ([]ChatMessage, error) {
	rows, err := s.db.Query("SELECT id, session_id, role, content, timestamp FROM chat_messages WHERE session_id = ? ORDER BY timestamp ASC LIMIT ?", sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat messages: %w", err)
	}
	defer rows.Close()

	var messages []ChatMessage
	for rows.Next() {
		var msg ChatMessage
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan chat message row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Stream state methods. Writers only ever move a stream forward; the
// WHERE complete = FALSE guards make terminal states final even if a stale
// writer races a completed stream.

func (s *SQLiteStore) CreateStreamState(userID int64, question string) (*StreamState, error) {
	streamID := uuid.NewString()
	now := time.Now()

	stmt, err := s.db.Prepare("INSERT INTO streams (id, user_id, question, status, partial_response, error, complete, created_at, updated_at) VALUES (?, ?, ?, ?, '', '', FALSE, ?, ?)")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare stream insert: %w", err)
	}
	defer stmt.Close()

	if _, err = stmt.Exec(streamID, userID, question, StreamStarting, now, now); err != nil {
		return nil, fmt.Errorf("failed to execute stream insert: %w", err)
	}
	return &StreamState{ID: streamID, UserID: userID, Question: question, Status: StreamStarting, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *SQLiteStore) GetStreamState(streamID string) (*StreamState, error) {
	var state StreamState
	var structuredJSON sql.NullString
	err := s.db.QueryRow("SELECT id, user_id, question, status, partial_response, structured_json, error, complete, created_at, updated_at FROM streams WHERE id = ?", streamID).
		Scan(&state.ID, &state.UserID, &state.Question, &state.Status, &state.PartialResponse, &structuredJSON, &state.Error, &state.Complete, &state.CreatedAt, &state.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get stream state: %w", err)
	}
	if structuredJSON.Valid && structuredJSON.String != "" {
		var answer StructuredAnswer
		if err := json.Unmarshal([]byte(structuredJSON.String), &answer); err == nil {
			state.Structured = &answer
		}
	}
	return &state, nil
}

func (s *SQLiteStore) SetStreamStatus(streamID, status string) error {
	_, err := s.db.Exec("UPDATE streams SET status = ?, updated_at = ? WHERE id = ? AND complete = FALSE", status, time.Now(), streamID)
	if err != nil {
		return fmt.Errorf("failed to update stream status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateStreamPartial(streamID, partialResponse string) error {
	_, err := s.db.Exec("UPDATE streams SET status = ?, partial_response = ?, updated_at = ? WHERE id = ? AND complete = FALSE", StreamStreaming, partialResponse, time.Now(), streamID)
	if err != nil {
		return fmt.Errorf("failed to update stream partial response: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CompleteStream(streamID, fullText string, answer *StructuredAnswer) error {
	answerBytes, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("failed to marshal structured answer: %w", err)
	}
	_, err = s.db.Exec("UPDATE streams SET status = ?, partial_response = ?, structured_json = ?, complete = TRUE, updated_at = ? WHERE id = ? AND complete = FALSE",
		StreamComplete, fullText, string(answerBytes), time.Now(), streamID)
	if err != nil {
		return fmt.Errorf("failed to complete stream: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailStream(streamID, errMsg string) error {
	_, err := s.db.Exec("UPDATE streams SET status = ?, error = ?, complete = TRUE, updated_at = ? WHERE id = ? AND complete = FALSE",
		StreamError, errMsg, time.Now(), streamID)
	if err != nil {
		return fmt.Errorf("failed to fail stream: %w", err)
	}
	return nil
}

// Interaction log methods

func (s *SQLiteStore) AppendInteraction(entry *InteractionLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.Metadata == nil {
		entry.Metadata = map[string]interface{}{}
	}
	metadataBytes, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal interaction metadata: %w", err)
	}

	res, err := s.db.Exec("INSERT INTO interaction_log (user_id, question, chat_history_length, response, response_type, metadata_json, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)",
		entry.UserID, entry.Question, entry.ChatHistoryLength, entry.Response, entry.ResponseType, string(metadataBytes), entry.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert interaction log entry: %w", err)
	}
	entry.ID, _ = res.LastInsertId()
	return nil
}

// GetRecentInteractions returns up to limit entries, most recent first.
func (s *SQLiteStore) GetRecentInteractions(userID int64, limit int) ([]InteractionLogEntry, error) {
	rows, err := s.db.Query("SELECT id, user_id, question, chat_history_length, response, response_type, metadata_json, timestamp FROM interaction_log WHERE user_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?", userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query interaction log: %w", err)
	}
	defer rows.Close()

	var entries []InteractionLogEntry
	for rows.Next() {
		var entry InteractionLogEntry
		var metadataJSON string
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Question, &entry.ChatHistoryLength, &entry.Response, &entry.ResponseType, &metadataJSON, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan interaction log row: %w", err)
		}
		if err := json.Unmarshal([]byte(metadataJSON), &entry.Metadata); err != nil {
			entry.Metadata = map[string]interface{}{}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// CountInteractions reports how many log entries a user has. Used by tests
// and by the admin surface; the log itself is append-only.
func (s *SQLiteStore) CountInteractions(userID int64) (int, error) {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM interaction_log WHERE user_id = ?", userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count interaction log entries: %w", err)
	}
	return count, nil
}

// Plan methods

func (s *SQLiteStore) CreatePlan(plan *Plan) error {
	plan.ID = uuid.NewString()
	plan.CreatedAt = time.Now()
	if plan.Preferences == nil {
		plan.Preferences = map[string]interface{}{}
	}
	prefBytes, err := json.Marshal(plan.Preferences)
	if err != nil {
		return fmt.Errorf("failed to marshal plan preferences: %w", err)
	}

	stmt, err := s.db.Prepare("INSERT INTO plans (id, user_id, overview, schedule, tips, preferences_json, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare plan insert: %w", err)
	}
	defer stmt.Close()

	if _, err = stmt.Exec(plan.ID, plan.UserID, plan.Overview, plan.Schedule, plan.Tips, string(prefBytes), plan.CreatedAt); err != nil {
		return fmt.Errorf("failed to execute plan insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetLatestPlan(userID int64) (*Plan, error) {
	var plan Plan
	var prefJSON string
	err := s.db.QueryRow("SELECT id, user_id, overview, schedule, tips, preferences_json, created_at FROM plans WHERE user_id = ? ORDER BY created_at DESC LIMIT 1", userID).
		Scan(&plan.ID, &plan.UserID, &plan.Overview, &plan.Schedule, &plan.Tips, &prefJSON, &plan.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get latest plan: %w", err)
	}
	if err := json.Unmarshal([]byte(prefJSON), &plan.Preferences); err != nil {
		plan.Preferences = map[string]interface{}{}
	}
	return &plan, nil
}

// CountPlans reports how many plan documents a user has.
func (s *SQLiteStore) CountPlans(userID int64) (int, error) {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM plans WHERE user_id = ?", userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count plans: %w", err)
	}
	return count, nil
}
