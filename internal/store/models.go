package store

import "time"

type User struct {
	ID             int64     `json:"id"`
	ExternalUserID string    `json:"external_user_id"`
	PasswordHash   string    `json:"-"` // Do not expose this in JSON responses
	CreatedAt      time.Time `json:"created_at"`
}

// Profile holds the user-maintained part of the personalization data.
// Free-form fields (age, gender, injuries, equipment, ...) live in Data.
type Profile struct {
	UserID      int64                  `json:"user_id"`
	DisplayName string                 `json:"display_name"`
	Data        map[string]interface{} `json:"data"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// HealthMetrics is a free-form snapshot (weight_kg, height_cm, bmi,
// fitness_level, dietary_preference, ...). Absent records read as an empty
// map, never nil.
type HealthMetrics map[string]interface{}

const (
	GoalStatusActive    = "active"
	GoalStatusCompleted = "completed"
	GoalStatusAbandoned = "abandoned"
)

type Goal struct {
	ID           string    `json:"id"` // UUID
	UserID       int64     `json:"user_id"`
	Type         string    `json:"type"` // weight|workout|strength|endurance|flexibility|health
	TargetValue  float64   `json:"target_value"`
	StartValue   float64   `json:"start_value"`
	CurrentValue *float64  `json:"current_value,omitempty"`
	Direction    string    `json:"direction"` // increase|decrease
	Frequency    int       `json:"frequency"` // target sessions per week, 0 if not applicable
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

type Activity struct {
	ID         string                 `json:"id"` // UUID
	UserID     int64                  `json:"user_id"`
	Type       string                 `json:"type"` // workout|meal|sleep|weight|...
	Timestamp  time.Time              `json:"timestamp"`
	Details    map[string]interface{} `json:"details,omitempty"`
	WeightKg   *float64               `json:"weight_kg,omitempty"`
	SleepHours *float64               `json:"sleep_hours,omitempty"`
}

// Session is one conversation context. MessageCount and LastUpdatedAt are
// the only fields ever updated in place.
type Session struct {
	ID            string    `json:"id"` // UUID
	UserID        int64     `json:"user_id"`
	CreatedAt     time.Time `json:"created_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
	MessageCount  int       `json:"message_count"`
}

type ChatMessage struct {
	ID        string    `json:"id"` // UUID
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// StructuredAnswer is the three-section answer contract the model is asked
// to follow.
type StructuredAnswer struct {
	MainAnswer       string `json:"mainAnswer"`
	AdditionalInfo   string `json:"additionalInfo"`
	PersonalizedTips string `json:"personalizedTips"`
}

const (
	StreamStarting   = "starting"
	StreamProcessing = "processing"
	StreamStreaming  = "streaming"
	StreamComplete   = "complete"
	StreamError      = "error"
)

// StreamState is the durable record of one streaming request. Status moves
// strictly forward; complete and error are terminal.
type StreamState struct {
	ID              string            `json:"id"` // UUID
	UserID          int64             `json:"user_id"`
	Question        string            `json:"question"`
	Status          string            `json:"status"`
	PartialResponse string            `json:"partial_response"`
	Structured      *StructuredAnswer `json:"structured_response,omitempty"`
	Error           string            `json:"error,omitempty"`
	Complete        bool              `json:"complete"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// InteractionLogEntry is append-only; rows are never updated or deleted.
type InteractionLogEntry struct {
	ID                int64                  `json:"id"`
	UserID            int64                  `json:"user_id"`
	Question          string                 `json:"question"`
	ChatHistoryLength int                    `json:"chat_history_length"`
	Response          string                 `json:"response"`
	ResponseType      string                 `json:"response_type"` // question|plan|error|stream|stream_error
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	Timestamp         time.Time              `json:"timestamp"`
}

type Plan struct {
	ID          string                 `json:"id"` // UUID
	UserID      int64                  `json:"user_id"`
	Overview    string                 `json:"overview"`
	Schedule    string                 `json:"schedule"`
	Tips        string                 `json:"tips"`
	Preferences map[string]interface{} `json:"preferences,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}
