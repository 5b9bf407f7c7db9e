package core

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pulsefit/coach/internal/store"
)

const (
	// SystemInstruction fixes the assistant persona and the three-section
	// answer contract for the question flow.
	SystemInstruction = "You are an encouraging, knowledgeable personal fitness coach. " +
		"Give practical, safe advice grounded in established exercise and nutrition science. " +
		"When user context is provided, tailor your answer to it without inventing data. " +
		"Always structure your reply in exactly three labeled sections, in this order: " +
		"MAIN ANSWER, ADDITIONAL INFO, PERSONALIZED TIPS."

	// PlanSystemInstruction reuses the same contract for plan generation so
	// the parser is shared between flows.
	PlanSystemInstruction = "You are a personal fitness coach creating a weekly training and nutrition plan. " +
		"Be specific and realistic for the user's level and preferences. " +
		"Structure your reply in exactly three labeled sections, in this order: " +
		"MAIN ANSWER (plan overview), ADDITIONAL INFO (day-by-day weekly schedule), " +
		"PERSONALIZED TIPS (nutrition and recovery guidance)."

	answerFormatInstruction = "Answer in exactly three labeled sections, in this order:\n" +
		"MAIN ANSWER: the direct answer to the question.\n" +
		"ADDITIONAL INFO: relevant supporting information.\n" +
		"PERSONALIZED TIPS: actionable tips for this user."
)

// ComposePrompt assembles the model prompt in fixed block order: question,
// chat history, user context, attached file content, then the three-section
// instruction. Optional blocks are omitted entirely when empty. The empty
// question check happens here so no network call is ever made for an
// invalid request.
func ComposePrompt(question, personalContext string, history []store.ChatMessage, fileContent string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", ErrEmptyQuestion
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", question)

	if len(history) > 0 {
		b.WriteString("\n--- CHAT HISTORY ---\n")
		for _, msg := range history {
			fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
		}
		b.WriteString("--- END CHAT HISTORY ---\n")
	}

	if personalContext != "" {
		b.WriteString("\n--- USER CONTEXT ---\n")
		b.WriteString(personalContext)
		b.WriteString("\n--- END USER CONTEXT ---\n")
	}

	if fileContent != "" {
		b.WriteString("\n--- ATTACHED FILE CONTENT ---\n")
		b.WriteString(fileContent)
		b.WriteString("\n--- END ATTACHED FILE CONTENT ---\n")
	}

	b.WriteString("\n")
	b.WriteString(answerFormatInstruction)

	return b.String(), nil
}

// ComposePlanPrompt builds the plan-generation prompt from the stored
// profile preferences and the personalization context.
func ComposePlanPrompt(preferences map[string]interface{}, personalContext string) string {
	var b strings.Builder
	b.WriteString("Create a personalized weekly fitness plan for this user.\n")

	if len(preferences) > 0 {
		keys := make([]string, 0, len(preferences))
		for key := range preferences {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		b.WriteString("\n--- PREFERENCES ---\n")
		for _, key := range keys {
			fmt.Fprintf(&b, "%s: %v\n", key, preferences[key])
		}
		b.WriteString("--- END PREFERENCES ---\n")
	}

	if personalContext != "" {
		b.WriteString("\n--- USER CONTEXT ---\n")
		b.WriteString(personalContext)
		b.WriteString("\n--- END USER CONTEXT ---\n")
	}

	b.WriteString("\n")
	b.WriteString(answerFormatInstruction)

	return b.String()
}
