package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/pulsefit/coach/internal/logger"
	"github.com/pulsefit/coach/internal/store"
)

const recentActivityLimit = 10

// PersonalizationBundle is the per-request snapshot of everything known
// about the user. Absent sub-records degrade to empty maps/slices so the
// bundle can always be rendered into prompt text.
type PersonalizationBundle struct {
	DisplayName      string
	Profile          map[string]interface{}
	HealthMetrics    store.HealthMetrics
	ActiveGoals      []store.Goal
	RecentActivities []store.Activity
}

// Aggregator assembles personalization bundles from the document store.
// Read-only.
type Aggregator struct {
	dbStore *store.SQLiteStore
	log     *logger.Logger
}

func NewAggregator(dbStore *store.SQLiteStore, log *logger.Logger) *Aggregator {
	return &Aggregator{
		dbStore: dbStore,
		log:     log.With("service", "Aggregator"),
	}
}

// BuildBundle returns ErrNoProfile when the user has no profile record (a
// distinct signal, not an empty bundle) and wraps storage failures in
// ErrAggregation so callers can fall back to an unpersonalized prompt.
func (a *Aggregator) BuildBundle(userID int64) (*PersonalizationBundle, error) {
	profile, err := a.dbStore.GetProfile(userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAggregation, err)
	}
	if profile == nil {
		return nil, ErrNoProfile
	}

	bundle := &PersonalizationBundle{
		DisplayName:   profile.DisplayName,
		Profile:       profile.Data,
		HealthMetrics: store.HealthMetrics{},
	}
	if bundle.Profile == nil {
		bundle.Profile = map[string]interface{}{}
	}

	metrics, err := a.dbStore.GetHealthMetrics(userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAggregation, err)
	}
	bundle.HealthMetrics = metrics

	goals, err := a.dbStore.GetActiveGoals(userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAggregation, err)
	}
	bundle.ActiveGoals = goals

	activities, err := a.dbStore.GetRecentActivities(userID, recentActivityLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAggregation, err)
	}
	bundle.RecentActivities = activities

	return bundle, nil
}

// ContextText renders the bundle into the prompt's user-context block.
func (b *PersonalizationBundle) ContextText() string {
	if b == nil {
		return ""
	}

	var sb strings.Builder
	if b.DisplayName != "" {
		fmt.Fprintf(&sb, "Name: %s\n", b.DisplayName)
	}
	for _, field := range []struct{ key, label string }{
		{"age", "Age"},
		{"gender", "Gender"},
		{"injuries", "Injuries"},
		{"equipment", "Equipment"},
	} {
		if v, ok := b.Profile[field.key]; ok {
			fmt.Fprintf(&sb, "%s: %v\n", field.label, v)
		}
	}
	for _, key := range []string{"weight_kg", "height_cm", "fitness_level", "dietary_preference"} {
		if v, ok := b.HealthMetrics[key]; ok {
			fmt.Fprintf(&sb, "%s: %v\n", strings.ReplaceAll(key, "_", " "), v)
		}
	}
	if len(b.ActiveGoals) > 0 {
		sb.WriteString("Active goals:\n")
		for _, goal := range b.ActiveGoals {
			fmt.Fprintf(&sb, "- %s goal: target %.1f (from %.1f, %s)\n", goal.Type, goal.TargetValue, goal.StartValue, goal.Direction)
		}
	}
	if len(b.RecentActivities) > 0 {
		sb.WriteString("Recent activity:\n")
		for _, activity := range b.RecentActivities {
			fmt.Fprintf(&sb, "- %s on %s\n", activity.Type, activity.Timestamp.Format("2006-01-02"))
		}
	}
	return strings.TrimSpace(sb.String())
}

// bmi resolves a BMI value from the metrics, either stored directly or
// computed from weight and height.
func (b *PersonalizationBundle) bmi() (float64, bool) {
	if v, ok := asFloat(b.HealthMetrics["bmi"]); ok && v > 0 {
		return v, true
	}
	weight, wok := asFloat(b.HealthMetrics["weight_kg"])
	height, hok := asFloat(b.HealthMetrics["height_cm"])
	if !wok || !hok || weight <= 0 || height <= 0 {
		return 0, false
	}
	meters := height / 100
	return weight / (meters * meters), true
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// PersonalizeAnswer rewrites a parsed answer using the bundle. All
// transformations are additive and deterministic; applying the function to
// its own output with the same bundle adds nothing new. Any internal
// failure returns the input unchanged so personalization can never block an
// answer from reaching the user.
func PersonalizeAnswer(answer store.StructuredAnswer, bundle *PersonalizationBundle) (out store.StructuredAnswer) {
	out = answer
	if bundle == nil {
		return out
	}
	defer func() {
		if r := recover(); r != nil {
			out = answer
		}
	}()

	result := answer

	if bundle.DisplayName != "" {
		greeting := fmt.Sprintf("Hi %s!", bundle.DisplayName)
		if !strings.HasPrefix(result.MainAnswer, greeting) {
			result.MainAnswer = greeting + "\n\n" + result.MainAnswer
		}
	}

	if tips := derivedHealthTips(bundle); tips != "" && !strings.Contains(result.PersonalizedTips, tips) {
		result.PersonalizedTips = appendParagraph(result.PersonalizedTips, tips)
	}

	if progress := goalProgressBlock(bundle); progress != "" && !strings.Contains(result.PersonalizedTips, progress) {
		result.PersonalizedTips = appendParagraph(result.PersonalizedTips, progress)
	}

	return result
}

func appendParagraph(existing, paragraph string) string {
	if existing == "" {
		return paragraph
	}
	return existing + "\n\n" + paragraph
}

// derivedHealthTips applies the deterministic rule table over health
// metrics. Every rule has a default no-op branch so unexpected values never
// fail.
func derivedHealthTips(bundle *PersonalizationBundle) string {
	var lines []string

	if bmi, ok := bundle.bmi(); ok {
		switch {
		case bmi < 18.5:
			lines = append(lines, "Your BMI suggests you may benefit from a calorie surplus with strength training to build healthy mass.")
		case bmi < 25:
			lines = append(lines, "Your BMI is in the healthy range; focus on maintaining your current balance of training and nutrition.")
		case bmi < 30:
			lines = append(lines, "Your BMI suggests a moderate calorie deficit combined with regular cardio could help you reach a healthier range.")
		default:
			lines = append(lines, "Consider low-impact cardio like walking, swimming, or cycling to protect your joints while building endurance.")
		}
	}

	switch strings.ToLower(asString(bundle.HealthMetrics["fitness_level"])) {
	case "beginner":
		lines = append(lines, "As a beginner, prioritize consistent form over intensity and increase load gradually.")
	case "intermediate":
		lines = append(lines, "At your level, progressive overload and varied training stimuli will keep you improving.")
	case "advanced":
		lines = append(lines, "With your experience, periodized programming and deliberate recovery weeks matter most.")
	}

	diet := strings.ToLower(asString(bundle.HealthMetrics["dietary_preference"]))
	switch {
	case strings.Contains(diet, "vegetarian"), strings.Contains(diet, "vegan"):
		lines = append(lines, "On a plant-based diet, pay attention to complete proteins: legumes, tofu, tempeh, and quinoa are good staples.")
	case strings.Contains(diet, "keto"):
		lines = append(lines, "On a keto diet, keep electrolytes up around training sessions and time fats away from intense workouts.")
	}

	if len(lines) == 0 {
		return ""
	}
	return "Based on your health data: " + strings.Join(lines, " ")
}

// goalProgressBlock summarizes each active goal: a progress delta when
// start/current/target are all resolvable, otherwise a completion count
// over the trailing 7 days of activity.
func goalProgressBlock(bundle *PersonalizationBundle) string {
	if len(bundle.ActiveGoals) == 0 {
		return ""
	}

	weekAgo := time.Now().AddDate(0, 0, -7)
	var lines []string
	for _, goal := range bundle.ActiveGoals {
		if goal.CurrentValue != nil && goal.TargetValue != goal.StartValue {
			progress := (*goal.CurrentValue - goal.StartValue) / (goal.TargetValue - goal.StartValue) * 100
			if progress < 0 {
				progress = 0
			}
			if progress > 100 {
				progress = 100
			}
			lines = append(lines, fmt.Sprintf("- %s goal: %.0f%% of the way from %.1f to %.1f.", goal.Type, progress, goal.StartValue, goal.TargetValue))
			continue
		}

		count := 0
		for _, activity := range bundle.RecentActivities {
			if activity.Type == goal.Type && activity.Timestamp.After(weekAgo) {
				count++
			}
		}
		if goal.Frequency > 0 {
			lines = append(lines, fmt.Sprintf("- %s goal: %d of %d sessions completed this week.", goal.Type, count, goal.Frequency))
		} else {
			lines = append(lines, fmt.Sprintf("- %s goal: %d related activities logged this week.", goal.Type, count))
		}
	}

	return "Your goal progress:\n" + strings.Join(lines, "\n")
}
