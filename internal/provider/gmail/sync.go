package gmail

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	gmailapi "google.golang.org/api/gmail/v1"

	"mailpilot/internal/model"
	"mailpilot/internal/provider"
)

// InitialSync lists every message received after since and returns the
// mailbox history id as the cursor for later incremental runs.
func (a *Adapter) InitialSync(ctx context.Context, accessToken string, since time.Time) (*provider.SyncResult, error) {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	// 先取 historyId，保证列表之后到达的邮件会出现在下一次增量同步里
	var profile *gmailapi.Profile
	err = a.call(ctx, "profile", func() error {
		profile, err = svc.Users.GetProfile(userID).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("gmail: get profile: %w", err)
	}

	query := fmt.Sprintf("after:%d", since.Unix())
	var ids []string
	pageToken := ""
	for {
		call := svc.Users.Messages.List(userID).Q(query).MaxResults(listPageSize).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		var resp *gmailapi.ListMessagesResponse
		err = a.call(ctx, "list", func() error {
			resp, err = call.Do()
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("gmail: list messages: %w", err)
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	messages, err := a.fetchAll(ctx, svc, ids)
	if err != nil {
		return nil, err
	}

	a.logger.Info("Gmail initial sync fetched messages",
		zap.Int("listed", len(ids)),
		zap.Int("fetched", len(messages)),
	)
	return &provider.SyncResult{
		Messages: messages,
		Cursor:   strconv.FormatUint(profile.HistoryId, 10),
	}, nil
}

// IncrementalSync returns messages added since cursor. A cursor Gmail no
// longer recognises yields an empty, Stale result instead of an error.
func (a *Adapter) IncrementalSync(ctx context.Context, accessToken, cursor string) (*provider.SyncResult, error) {
	startID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return &provider.SyncResult{Cursor: cursor, Stale: true}, nil
	}

	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var ids []string
	latest := startID
	pageToken := ""
	for {
		call := svc.Users.History.List(userID).
			StartHistoryId(startID).
			HistoryTypes("messageAdded").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		var resp *gmailapi.ListHistoryResponse
		err = a.call(ctx, "history", func() error {
			resp, err = call.Do()
			return err
		})
		if err != nil {
			if isNotFound(err) {
				a.logger.Warn("Gmail history cursor expired", zap.String("cursor", cursor))
				return &provider.SyncResult{Cursor: cursor, Stale: true}, nil
			}
			return nil, fmt.Errorf("gmail: list history: %w", err)
		}

		for _, h := range resp.History {
			for _, added := range h.MessagesAdded {
				if added.Message == nil {
					continue
				}
				if _, dup := seen[added.Message.Id]; dup {
					continue
				}
				seen[added.Message.Id] = struct{}{}
				ids = append(ids, added.Message.Id)
			}
		}
		if resp.HistoryId > latest {
			latest = resp.HistoryId
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	messages, err := a.fetchAll(ctx, svc, ids)
	if err != nil {
		return nil, err
	}
	return &provider.SyncResult{
		Messages: messages,
		Cursor:   strconv.FormatUint(latest, 10),
	}, nil
}

// fetchAll downloads full messages with bounded concurrency. Messages deleted
// between listing and fetching are skipped. Order follows ids.
func (a *Adapter) fetchAll(ctx context.Context, svc *gmailapi.Service, ids []string) ([]model.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	results := make([]*model.Message, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.fetchLimit)

	for i, id := range ids {
		g.Go(func() error {
			var raw *gmailapi.Message
			err := a.call(gctx, "get", func() error {
				var err error
				raw, err = svc.Users.Messages.Get(userID, id).Format("full").Context(gctx).Do()
				return err
			})
			if err != nil {
				if isNotFound(err) {
					return nil
				}
				return fmt.Errorf("gmail: get message %s: %w", id, err)
			}
			msg := convertMessage(raw)
			results[i] = &msg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	messages := make([]model.Message, 0, len(ids))
	for _, m := range results {
		if m != nil {
			messages = append(messages, *m)
		}
	}
	return messages, nil
}
