package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        external_user_id TEXT UNIQUE NOT NULL,
        password_hash TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS profiles (
        user_id INTEGER PRIMARY KEY,
        display_name TEXT NOT NULL DEFAULT '',
        data_json TEXT NOT NULL DEFAULT '{}',
        updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );

    CREATE TABLE IF NOT EXISTS health_metrics (
        user_id INTEGER PRIMARY KEY,
        metrics_json TEXT NOT NULL DEFAULT '{}',
        updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );

    CREATE TABLE IF NOT EXISTS goals (
        id TEXT PRIMARY KEY, -- UUID
        user_id INTEGER NOT NULL,
        type TEXT NOT NULL,
        target_value REAL NOT NULL DEFAULT 0,
        start_value REAL NOT NULL DEFAULT 0,
        current_value REAL,
        direction TEXT NOT NULL DEFAULT '',
        frequency INTEGER NOT NULL DEFAULT 0,
        status TEXT NOT NULL DEFAULT 'active',
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );

    CREATE TABLE IF NOT EXISTS activities (
        id TEXT PRIMARY KEY, -- UUID
        user_id INTEGER NOT NULL,
        type TEXT NOT NULL,
        timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
        details_json TEXT NOT NULL DEFAULT '{}',
        weight_kg REAL,
        sleep_hours REAL,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );

    CREATE TABLE IF NOT EXISTS sessions (
        id TEXT PRIMARY KEY, -- UUID
        user_id INTEGER NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        last_updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        message_count INTEGER NOT NULL DEFAULT 0,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );

    CREATE TABLE IF NOT EXISTS chat_messages (
        id TEXT PRIMARY KEY, -- UUID
        session_id TEXT NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
        content TEXT NOT NULL,
        timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (session_id) REFERENCES sessions (id)
    );

    CREATE TABLE IF NOT EXISTS streams (
        id TEXT PRIMARY KEY, -- UUID
        user_id INTEGER NOT NULL,
        question TEXT NOT NULL,
        status TEXT NOT NULL DEFAULT 'starting',
        partial_response TEXT NOT NULL DEFAULT '',
        structured_json TEXT,
        error TEXT NOT NULL DEFAULT '',
        complete BOOLEAN NOT NULL DEFAULT FALSE,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );

    CREATE TABLE IF NOT EXISTS interaction_log (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        user_id INTEGER NOT NULL,
        question TEXT NOT NULL,
        chat_history_length INTEGER NOT NULL DEFAULT 0,
        response TEXT NOT NULL,
        response_type TEXT NOT NULL,
        metadata_json TEXT NOT NULL DEFAULT '{}',
        timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );

    CREATE TABLE IF NOT EXISTS plans (
        id TEXT PRIMARY KEY, -- UUID
        user_id INTEGER NOT NULL,
        overview TEXT NOT NULL,
        schedule TEXT NOT NULL,
        tips TEXT NOT NULL,
        preferences_json TEXT NOT NULL DEFAULT '{}',
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

// User methods

func (s *SQLiteStore) GetUserByExternalID(externalUserID string) (*User, error) {
	var user User
	err := s.db.QueryRow("SELECT id, external_user_id, password_hash, created_at FROM users WHERE external_user_id = ?", externalUserID).Scan(&user.ID, &user.ExternalUserID, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // User not found
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

func (s *SQLiteStore) CreateUser(externalUserID, passwordHash string) (*User, error) {
	res, err := s.db.Exec("INSERT INTO users (external_user_id, password_hash) VALUES (?, ?)", externalUserID, passwordHash)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	id, _ := res.LastInsertId()
	return s.getUserByID(id)
}

func (s *SQLiteStore) getUserByID(id int64) (*User, error) {
	var user User
	err := s.db.QueryRow("SELECT id, external_user_id, password_hash, created_at FROM users WHERE id = ?", id).Scan(&user.ID, &user.ExternalUserID, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}
	return &user, nil
}

// Profile methods

func (s *SQLiteStore) UpsertProfile(userID int64, displayName string, data map[string]interface{}) (*Profile, error) {
	if data == nil {
		data = map[string]interface{}{}
	}
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal profile data: %w", err)
	}

	now := time.Now()
	_, err = s.db.Exec(`
        INSERT INTO profiles (user_id, display_name, data_json, updated_at) VALUES (?, ?, ?, ?)
        ON CONFLICT(user_id) DO UPDATE SET display_name = excluded.display_name, data_json = excluded.data_json, updated_at = excluded.updated_at`,
		userID, displayName, string(dataBytes), now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert profile: %w", err)
	}
	return &Profile{UserID: userID, DisplayName: displayName, Data: data, UpdatedAt: now}, nil
}

// GetProfile returns (nil, nil) when the user has no profile record.
func (s *SQLiteStore) GetProfile(userID int64) (*Profile, error) {
	var profile Profile
	var dataJSON string
	err := s.db.QueryRow("SELECT user_id, display_name, data_json, updated_at FROM profiles WHERE user_id = ?", userID).Scan(&profile.UserID, &profile.DisplayName, &dataJSON, &profile.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // No profile
		}
		return nil, fmt.Errorf("failed to query profile: %w", err)
	}
	if err := json.Unmarshal([]byte(dataJSON), &profile.Data); err != nil {
		profile.Data = map[string]interface{}{}
	}
	return &profile, nil
}

// Health metrics methods

func (s *SQLiteStore) UpsertHealthMetrics(userID int64, metrics HealthMetrics) error {
	if metrics == nil {
		metrics = HealthMetrics{}
	}
	metricsBytes, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal health metrics: %w", err)
	}
	_, err = s.db.Exec(`
        INSERT INTO health_metrics (user_id, metrics_json, updated_at) VALUES (?, ?, ?)
        ON CONFLICT(user_id) DO UPDATE SET metrics_json = excluded.metrics_json, updated_at = excluded.updated_at`,
		userID, string(metricsBytes), time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert health metrics: %w", err)
	}
	return nil
}

// GetHealthMetrics returns an empty map when no record exists.
func (s *SQLiteStore) GetHealthMetrics(userID int64) (HealthMetrics, error) {
	var metricsJSON string
	err := s.db.QueryRow("SELECT metrics_json FROM health_metrics WHERE user_id = ?", userID).Scan(&metricsJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return HealthMetrics{}, nil
		}
		return nil, fmt.Errorf("failed to query health metrics: %w", err)
	}
	metrics := HealthMetrics{}
	if err := json.Unmarshal([]byte(metricsJSON), &metrics); err != nil {
		return HealthMetrics{}, nil
	}
	return metrics, nil
}

// Goal methods

func (s *SQLiteStore) CreateGoal(goal *Goal) error {
	goal.ID = uuid.NewString()
	goal.CreatedAt = time.Now()
	if goal.Status == "" {
		goal.Status = GoalStatusActive
	}

	stmt, err := s.db.Prepare("INSERT INTO goals (id, user_id, type, target_value, start_value, current_value, direction, frequency, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare goal insert: %w", err)
	}
	defer stmt.Close()

	_, err = stmt.Exec(goal.ID, goal.UserID, goal.Type, goal.TargetValue, goal.StartValue, goal.CurrentValue, goal.Direction, goal.Frequency, goal.Status, goal.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to execute goal insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetActiveGoals(userID int64) ([]Goal, error) {
	rows, err := s.db.Query("SELECT id, user_id, type, target_value, start_value, current_value, direction, frequency, status, created_at FROM goals WHERE user_id = ? AND status = ? ORDER BY created_at ASC", userID, GoalStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to query goals: %w", err)
	}
	defer rows.Close()

	var goals []Goal
	for rows.Next() {
		var goal Goal
		var current sql.NullFloat64
		if err := rows.Scan(&goal.ID, &goal.UserID, &goal.Type, &goal.TargetValue, &goal.StartValue, &current, &goal.Direction, &goal.Frequency, &goal.Status, &goal.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan goal row: %w", err)
		}
		if current.Valid {
			goal.CurrentValue = &current.Float64
		}
		goals = append(goals, goal)
	}
	return goals, nil
}

// Activity methods

func (s *SQLiteStore) CreateActivity(activity *Activity) error {
	activity.ID = uuid.NewString()
	if activity.Timestamp.IsZero() {
		activity.Timestamp = time.Now()
	}
	if activity.Details == nil {
		activity.Details = map[string]interface{}{}
	}
	detailsBytes, err := json.Marshal(activity.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal activity details: %w", err)
	}

	stmt, err := s.db.Prepare("INSERT INTO activities (id, user_id, type, timestamp, details_json, weight_kg, sleep_hours) VALUES (?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare activity insert: %w", err)
	}
	defer stmt.Close()

	_, err = stmt.Exec(activity.ID, activity.UserID, activity.Type, activity.Timestamp, string(detailsBytes), activity.WeightKg, activity.SleepHours)
	if err != nil {
		return fmt.Errorf("failed to execute activity insert: %w", err)
	}
	return nil
}

// GetRecentActivities returns up to limit activities, most recent first.
func (s *SQLiteStore) GetRecentActivities(userID int64, limit int) ([]Activity, error) {
	rows, err := s.db.Query("SELECT id, user_id, type, timestamp, details_json, weight_kg, sleep_hours FROM activities WHERE user_id = ? ORDER BY timestamp DESC LIMIT ?", userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer rows.Close()

	var activities []Activity
	for rows.Next() {
		var activity Activity
		var detailsJSON string
		var weight, sleep sql.NullFloat64
		if err := rows.Scan(&activity.ID, &activity.UserID, &activity.Type, &activity.Timestamp, &detailsJSON, &weight, &sleep); err != nil {
			return nil, fmt.Errorf("failed to scan activity row: %w", err)
		}
		if err := json.Unmarshal([]byte(detailsJSON), &activity.Details); err != nil {
			activity.Details = map[string]interface{}{}
		}
		if weight.Valid {
			activity.WeightKg = &weight.Float64
		}
		if sleep.Valid {
			activity.SleepHours = &sleep.Float64
		}
		activities = append(activities, activity)
	}
	return activities, nil
}
