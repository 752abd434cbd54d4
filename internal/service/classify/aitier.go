package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"mailpilot/internal/ai"
	"mailpilot/internal/model"
)

const maxBodyChars = 4000

var (
	ErrAIDisabled = errors.New("ai tier disabled")
	ErrBadOutput  = errors.New("model output failed validation")
)

const systemPrompt = `You triage email for a busy professional. Classify the email and reply with ONLY a JSON object:
{"category": string, "priority": integer, "summary": string, "needs_human": boolean, "needs_human_reason": string, "can_auto_handle": boolean, "auto_handle_action": string}

Categories (use exactly one):
- urgent: a real person needs something from the user today
- action_required: the user must do something, but not today
- personal: friends and family
- work: colleagues, clients and projects with nothing to do yet
- fyi: informational, nothing to do
- newsletter: editorial content sent to a list
- receipt: orders, invoices, payment confirmations
- promotional: marketing and sales
- notification: automated system or account notifications

Priority is 0-100: 90+ only for time-critical requests from real people, 60-89 for requests that need the user this week, 30-59 for relevant but passive mail, below 30 for bulk or automated mail.

needs_human is a deliberately high bar. Set it true ONLY IF ALL of these hold:
(a) a real person is specifically waiting on this user,
(b) the response needs personal judgment that cannot be templated,
(c) doing nothing or replying wrongly has real, hard-to-reverse consequences.
When true, give a one-sentence needs_human_reason.

can_auto_handle is true only for bulk mail the user never needs to see; auto_handle_action is then one of "archived", "labeled", "marked_read". needs_human and can_auto_handle are never both true.

summary is one sentence, at most 200 characters.`

// AITier asks the configured model. A nil client disables the tier.
type AITier struct {
	client ai.Provider
}

func NewAITier(client ai.Provider) *AITier {
	return &AITier{client: client}
}

func (t *AITier) Name() string { return "ai" }

func (t *AITier) Classify(ctx context.Context, msg *model.Message) (*model.ClassificationResult, error) {
	if t.client == nil {
		return nil, ErrAIDisabled
	}

	reply, err := t.client.Complete(ctx, ai.Request{
		System:      systemPrompt,
		Prompt:      buildPrompt(msg),
		MaxTokens:   400,
		Temperature: 0,
	})
	if err != nil {
		return nil, err
	}
	return parseResult(reply)
}

func buildPrompt(msg *model.Message) string {
	body := msg.BodyText
	if body == "" {
		body = msg.Snippet
	}
	if utf8.RuneCountInString(body) > maxBodyChars {
		body = string([]rune(body)[:maxBodyChars]) + "\n[truncated]"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\n", msg.From)
	fmt.Fprintf(&sb, "To: %s\n", strings.Join(msg.To, ", "))
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&sb, "Cc: %s\n", strings.Join(msg.Cc, ", "))
	}
	fmt.Fprintf(&sb, "Subject: %s\n", msg.Subject)
	fmt.Fprintf(&sb, "Received: %s\n", msg.ReceivedAt.Format("2006-01-02 15:04 MST"))
	if msg.HasAttachments {
		sb.WriteString("Has attachments: yes\n")
	}
	sb.WriteString("\n")
	sb.WriteString(body)
	return sb.String()
}

// aiOutput mirrors the reply schema; pointers make required fields detectable.
type aiOutput struct {
	Category         *string `json:"category"`
	Priority         *int    `json:"priority"`
	Summary          *string `json:"summary"`
	NeedsHuman       *bool   `json:"needs_human"`
	NeedsHumanReason string  `json:"needs_human_reason"`
	CanAutoHandle    *bool   `json:"can_auto_handle"`
	AutoHandleAction string  `json:"auto_handle_action"`
}

func parseResult(reply string) (*model.ClassificationResult, error) {
	raw := ai.ExtractJSON(reply)
	if raw == "" {
		return nil, fmt.Errorf("%w: no json object", ErrBadOutput)
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	var out aiOutput
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadOutput, err)
	}

	switch {
	case out.Category == nil, out.Priority == nil, out.Summary == nil, out.NeedsHuman == nil, out.CanAutoHandle == nil:
		return nil, fmt.Errorf("%w: missing required field", ErrBadOutput)
	case !model.Category(*out.Category).Valid() || model.Category(*out.Category) == model.CategoryUncategorized:
		return nil, fmt.Errorf("%w: unknown category %q", ErrBadOutput, *out.Category)
	case *out.Priority < 0 || *out.Priority > 100:
		return nil, fmt.Errorf("%w: priority %d out of range", ErrBadOutput, *out.Priority)
	case strings.TrimSpace(*out.Summary) == "":
		return nil, fmt.Errorf("%w: empty summary", ErrBadOutput)
	case *out.CanAutoHandle && !validAutoAction(out.AutoHandleAction):
		return nil, fmt.Errorf("%w: unknown auto action %q", ErrBadOutput, out.AutoHandleAction)
	}

	return &model.ClassificationResult{
		Category:         model.Category(*out.Category),
		Priority:         *out.Priority,
		Summary:          *out.Summary,
		NeedsHuman:       *out.NeedsHuman,
		NeedsHumanReason: out.NeedsHumanReason,
		CanAutoHandle:    *out.CanAutoHandle,
		AutoHandleAction: out.AutoHandleAction,
	}, nil
}
