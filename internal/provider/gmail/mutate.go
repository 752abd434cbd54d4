package gmail

import (
	"context"
	"encoding/base64"
	"fmt"

	gmailapi "google.golang.org/api/gmail/v1"

	"mailpilot/internal/provider"
)

const (
	labelInbox   = "INBOX"
	labelUnread  = "UNREAD"
	labelStarred = "STARRED"
)

// SendDraft sends msg in its thread and returns the provider message id.
func (a *Adapter) SendDraft(ctx context.Context, accessToken string, msg provider.OutgoingMessage) (string, error) {
	raw, err := buildMIME(msg)
	if err != nil {
		return "", err
	}

	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return "", err
	}

	out := &gmailapi.Message{
		Raw:      base64.URLEncoding.EncodeToString(raw),
		ThreadId: msg.ThreadID,
	}
	var sent *gmailapi.Message
	err = a.call(ctx, "send", func() error {
		sent, err = svc.Users.Messages.Send(userID, out).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", fmt.Errorf("gmail: send message: %w", err)
	}
	return sent.Id, nil
}

func (a *Adapter) Archive(ctx context.Context, accessToken, messageID string) error {
	return a.modifyLabels(ctx, accessToken, messageID, nil, []string{labelInbox})
}

func (a *Adapter) MarkRead(ctx context.Context, accessToken, messageID string) error {
	return a.modifyLabels(ctx, accessToken, messageID, nil, []string{labelUnread})
}

func (a *Adapter) MarkUnread(ctx context.Context, accessToken, messageID string) error {
	return a.modifyLabels(ctx, accessToken, messageID, []string{labelUnread}, nil)
}

func (a *Adapter) Star(ctx context.Context, accessToken, messageID string) error {
	return a.modifyLabels(ctx, accessToken, messageID, []string{labelStarred}, nil)
}

func (a *Adapter) Unstar(ctx context.Context, accessToken, messageID string) error {
	return a.modifyLabels(ctx, accessToken, messageID, nil, []string{labelStarred})
}

// Trash uses messages.trash: messages.delete needs the full mail.google.com
// scope, which the gmail.modify grant does not carry.
func (a *Adapter) Trash(ctx context.Context, accessToken, messageID string) error {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return err
	}
	err = a.call(ctx, "trash", func() error {
		_, err := svc.Users.Messages.Trash(userID, messageID).Context(ctx).Do()
		return err
	})
	if err != nil {
		return fmt.Errorf("gmail: trash %s: %w", messageID, err)
	}
	return nil
}

func (a *Adapter) modifyLabels(ctx context.Context, accessToken, messageID string, add, remove []string) error {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return err
	}

	req := &gmailapi.ModifyMessageRequest{AddLabelIds: add, RemoveLabelIds: remove}
	err = a.call(ctx, "modify", func() error {
		_, err := svc.Users.Messages.Modify(userID, messageID, req).Context(ctx).Do()
		return err
	})
	if err != nil {
		return fmt.Errorf("gmail: modify labels on %s: %w", messageID, err)
	}
	return nil
}
