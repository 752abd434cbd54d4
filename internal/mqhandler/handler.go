// Package mqhandler adapts queue deliveries to the pipeline services.
package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	mqcontracts "mailpilot/contracts/mq"
	"mailpilot/internal/model"
	"mailpilot/internal/service/mailsync"
	"mailpilot/internal/service/token"
	"mailpilot/pkg/logger"
	"mailpilot/pkg/mq"
	"mailpilot/pkg/trace"
	"mailpilot/pkg/util"
)

type Syncer interface {
	Sync(ctx context.Context, job mqcontracts.SyncJobPayload) (*mailsync.Result, error)
}

type Classifier interface {
	ClassifyBatch(ctx context.Context, job mqcontracts.ClassifyJobPayload) error
}

type Drafter interface {
	HandleDraftJob(ctx context.Context, job mqcontracts.DraftJobPayload) error
}

type AutoHandler interface {
	Execute(ctx context.Context, job mqcontracts.AutoHandleJobPayload) (*model.AutoHandledRecord, error)
}

// classifyError marks failures that no retry can fix as permanent.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if token.IsCredentialError(err) || errors.Is(err, mailsync.ErrUnknownTrigger) {
		return mq.Permanent(err)
	}
	if retryable, _ := util.IsRetryableError(err); !retryable {
		return mq.Permanent(err)
	}
	return err
}

func decode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return mq.Permanent(fmt.Errorf("bad_payload: %w", err))
	}
	return nil
}

// withTrace prefers the trace id carried in the payload over the header one.
func withTrace(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return trace.WithContext(ctx, traceID)
}

// SyncHandler consumes the sync queue.
type SyncHandler struct {
	syncer Syncer
	logger *zap.Logger
}

func NewSyncHandler(syncer Syncer, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{syncer: syncer, logger: logger}
}

func (h *SyncHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var job mqcontracts.SyncJobPayload
	if err := decode(raw, &job); err != nil {
		return err
	}
	if job.AccountID <= 0 {
		return mq.Permanent(fmt.Errorf("bad_payload: account_id missing"))
	}
	ctx = withTrace(ctx, job.TraceID)

	res, err := h.syncer.Sync(ctx, job)
	if err != nil {
		return classifyError(err)
	}
	if res.Stale {
		logger.WithTrace(ctx, h.logger).Warn("Sync cursor went stale",
			zap.Int64("account_id", job.AccountID),
			zap.String("cursor", res.Cursor),
		)
	}
	return nil
}

// NewClassifyRouter serves the classification queue, which carries both
// classify batches and draft requests.
func NewClassifyRouter(classifier Classifier, drafter Drafter) *mq.Router {
	r := mq.NewRouter()
	r.Register(mqcontracts.JobClassify, func(ctx context.Context, raw json.RawMessage) error {
		var job mqcontracts.ClassifyJobPayload
		if err := decode(raw, &job); err != nil {
			return err
		}
		if len(job.MessageIDs) == 0 {
			return nil
		}
		return classifyError(classifier.ClassifyBatch(withTrace(ctx, job.TraceID), job))
	})
	r.Register(mqcontracts.JobDraftResponse, func(ctx context.Context, raw json.RawMessage) error {
		var job mqcontracts.DraftJobPayload
		if err := decode(raw, &job); err != nil {
			return err
		}
		return classifyError(drafter.HandleDraftJob(withTrace(ctx, job.TraceID), job))
	})
	return r
}

// AutoHandleHandler consumes the auto-handle queue.
type AutoHandleHandler struct {
	executor AutoHandler
	logger   *zap.Logger
}

func NewAutoHandleHandler(executor AutoHandler, logger *zap.Logger) *AutoHandleHandler {
	return &AutoHandleHandler{executor: executor, logger: logger}
}

func (h *AutoHandleHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var job mqcontracts.AutoHandleJobPayload
	if err := decode(raw, &job); err != nil {
		return err
	}
	ctx = withTrace(ctx, job.TraceID)

	rec, err := h.executor.Execute(ctx, job)
	if err != nil {
		return classifyError(err)
	}
	if rec != nil {
		logger.WithTrace(ctx, h.logger).Debug("Auto-handle recorded",
			zap.Int64("message_id", job.MessageID),
			zap.String("action", job.Action),
		)
	}
	return nil
}
