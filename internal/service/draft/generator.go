// Package draft writes reply drafts for triage items.
package draft

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	mqcontracts "mailpilot/contracts/mq"
	"mailpilot/internal/ai"
	"mailpilot/internal/model"
	"mailpilot/pkg/logger"
)

const (
	maxBodyChars = 3000
	maxDraftLen  = 2000
)

const systemPrompt = `You draft email replies on behalf of the recipient.
Write a warm but concise reply of 2 to 4 sentences.
Do not include a subject line, a greeting placeholder, or a signature placeholder such as [Your Name].
Reply with the body text only.`

// templates are checked in order against the lower-cased subject.
var templates = []struct {
	keywords []string
	body     string
}{
	{[]string{"meeting", "call", "calendar", "schedule"}, "Thanks for reaching out about the meeting. I'll check my calendar and confirm a time that works shortly."},
	{[]string{"contract", "agreement", "terms"}, "Thanks for sending this over. I'll review the contract carefully and get back to you with any questions or comments."},
	{[]string{"invoice", "payment", "billing"}, "Thanks for the invoice. I'll review it and make sure it's processed on our side."},
	{[]string{"urgent", "asap", "emergency"}, "Thanks for flagging this. I've seen your message and I'm looking into it now; I'll follow up as soon as I can."},
	{[]string{"proposal", "quote", "pitch"}, "Thank you for the proposal. I'll review the details and get back to you with my thoughts."},
	{[]string{"question", "?", "help"}, "Thanks for your question. Let me look into it and I'll get back to you with an answer soon."},
}

const genericTemplate = "Thanks for your email. I've received it and will get back to you soon."

type Generator struct {
	client ai.Provider
	logger *zap.Logger
}

// NewGenerator accepts a nil client, in which case only templates are used.
func NewGenerator(client ai.Provider, logger *zap.Logger) *Generator {
	return &Generator{client: client, logger: logger}
}

// GenerateDraft never fails; a model error falls back to a template.
func (g *Generator) GenerateDraft(ctx context.Context, msg *model.Message) string {
	if g.client != nil {
		text, err := g.fromModel(ctx, msg)
		if err == nil {
			return text
		}
		logger.WithTrace(ctx, g.logger).Warn("AI draft failed, using template",
			zap.Int64("message_id", msg.ID),
			zap.Error(err),
		)
	}
	return Template(msg.Subject)
}

func (g *Generator) fromModel(ctx context.Context, msg *model.Message) (string, error) {
	body := msg.BodyText
	if body == "" {
		body = msg.Snippet
	}
	if utf8.RuneCountInString(body) > maxBodyChars {
		body = string([]rune(body)[:maxBodyChars])
	}

	reply, err := g.client.Complete(ctx, ai.Request{
		System:      systemPrompt,
		Prompt:      fmt.Sprintf("From: %s\nSubject: %s\n\n%s", msg.From, msg.Subject, body),
		MaxTokens:   300,
		Temperature: 0.4,
	})
	if err != nil {
		return "", err
	}

	text := strings.TrimSpace(reply)
	if text == "" {
		return "", errors.New("empty draft")
	}
	if utf8.RuneCountInString(text) > maxDraftLen {
		text = string([]rune(text)[:maxDraftLen])
	}
	return text, nil
}

// Template picks the canned reply for a subject.
func Template(subject string) string {
	s := strings.ToLower(subject)
	for _, t := range templates {
		for _, k := range t.keywords {
			if strings.Contains(s, k) {
				return t.body
			}
		}
	}
	return genericTemplate
}

type Store interface {
	GetTriageItem(ctx context.Context, id int64) (*model.TriageItem, error)
	GetMessage(ctx context.Context, id int64) (*model.Message, error)
	// SaveDraft stores text only while the item is still pending and reports
	// whether it did.
	SaveDraft(ctx context.Context, itemID int64, text string) (bool, error)
}

type Service struct {
	store     Store
	generator *Generator
	logger    *zap.Logger
}

func NewService(store Store, generator *Generator, logger *zap.Logger) *Service {
	return &Service{store: store, generator: generator, logger: logger}
}

// HandleDraftJob fills in the draft of a pending item. Items already acted
// on are left alone.
func (s *Service) HandleDraftJob(ctx context.Context, job mqcontracts.DraftJobPayload) error {
	log := logger.WithTrace(ctx, s.logger).With(zap.Int64("triage_item_id", job.TriageItemID))

	item, err := s.store.GetTriageItem(ctx, job.TriageItemID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			log.Warn("Triage item gone, draft skipped")
			return nil
		}
		return err
	}
	if item.Status != model.TriageStatusPending {
		log.Debug("Triage item no longer pending, draft skipped", zap.String("status", string(item.Status)))
		return nil
	}

	msg, err := s.store.GetMessage(ctx, job.MessageID)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}

	text := s.generator.GenerateDraft(ctx, msg)
	saved, err := s.store.SaveDraft(ctx, item.ID, text)
	if err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	log.Info("Draft generated", zap.Bool("saved", saved), zap.Int("length", len(text)))
	return nil
}
