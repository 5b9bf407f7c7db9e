package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsefit/coach/internal/store"
)

func TestComposePromptEmptyQuestion(t *testing.T) {
	_, err := ComposePrompt("", "", nil, "")
	assert.ErrorIs(t, err, ErrEmptyQuestion)

	_, err = ComposePrompt("   \n\t ", "", nil, "")
	assert.ErrorIs(t, err, ErrEmptyQuestion)
}

func TestComposePromptMinimal(t *testing.T) {
	prompt, err := ComposePrompt("How much protein do I need?", "", nil, "")
	require.NoError(t, err)

	assert.Contains(t, prompt, "Question: How much protein do I need?")
	assert.NotContains(t, prompt, "CHAT HISTORY")
	assert.NotContains(t, prompt, "USER CONTEXT")
	assert.NotContains(t, prompt, "ATTACHED FILE CONTENT")
	assert.Contains(t, prompt, "MAIN ANSWER")
	assert.Contains(t, prompt, "ADDITIONAL INFO")
	assert.Contains(t, prompt, "PERSONALIZED TIPS")
}

func TestComposePromptBlockOrder(t *testing.T) {
	history := []store.ChatMessage{
		{Role: "user", Content: "What is a superset?"},
		{Role: "assistant", Content: "Two exercises back to back."},
	}

	prompt, err := ComposePrompt("Should I use supersets?", "Name: Alex", history, "sample meal plan text")
	require.NoError(t, err)

	questionIdx := strings.Index(prompt, "Question:")
	historyIdx := strings.Index(prompt, "--- CHAT HISTORY ---")
	contextIdx := strings.Index(prompt, "--- USER CONTEXT ---")
	fileIdx := strings.Index(prompt, "--- ATTACHED FILE CONTENT ---")
	formatIdx := strings.Index(prompt, "Answer in exactly three labeled sections")

	require.True(t, questionIdx >= 0)
	require.True(t, historyIdx > questionIdx)
	require.True(t, contextIdx > historyIdx)
	require.True(t, fileIdx > contextIdx)
	require.True(t, formatIdx > fileIdx)

	assert.Contains(t, prompt, "user: What is a superset?")
	assert.Contains(t, prompt, "assistant: Two exercises back to back.")
}

func TestComposePromptTrimsQuestion(t *testing.T) {
	prompt, err := ComposePrompt("  Is cardio enough?  ", "", nil, "")
	require.NoError(t, err)
	assert.Contains(t, prompt, "Question: Is cardio enough?\n")
}

func TestComposePlanPromptDeterministicOrder(t *testing.T) {
	prefs := map[string]interface{}{
		"days_per_week": 4,
		"focus":         "strength",
		"equipment":     "dumbbells",
	}

	first := ComposePlanPrompt(prefs, "Name: Sam")
	second := ComposePlanPrompt(prefs, "Name: Sam")

	assert.Equal(t, first, second)
	assert.Contains(t, first, "--- PREFERENCES ---")
	assert.Contains(t, first, "days_per_week: 4")
	assert.Contains(t, first, "--- USER CONTEXT ---")
}
