package bulk

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/praveen-singh01/whatsapp-automation/internal/compositor"
	"github.com/praveen-singh01/whatsapp-automation/pkg/logx"
)

func (s *Service) runOperation(ctx context.Context, stopCh <-chan struct{}, j *job) {
	cfg := s.config()
	op := j.op
	log := s.log.With(logx.String("operation", op.ID))
	start := time.Now()

	finish := func(err error) {
		if err != nil {
			j.err = err
		}
		op.Summary.ProcessingTimeMs = time.Since(start).Milliseconds()
		done := time.Now().UTC()
		op.CompletedAt = &done
		// Terminal state must land even when the submitter went away.
		if perr := s.deps.Store.UpdateOperation(context.WithoutCancel(ctx), op); perr != nil {
			log.Error("persisting final operation state failed", logx.Err(perr))
			if j.err == nil {
				j.err = perr
			}
		}
		j.final = op.Clone()
		close(j.done)
	}
	fail := func(err error) {
		op.Status = StatusFailed
		log.Error("operation failed", logx.Err(err))
		finish(newOperationError(op.ID, err))
	}

	op.Status = StatusProcessing
	if err := s.deps.Store.UpdateOperation(ctx, op); err != nil {
		fail(fmt.Errorf("marking operation processing: %w", err))
		return
	}

	recipients, err := s.deps.Resolver.FindByRoles(ctx, op.Roles)
	if err != nil {
		fail(fmt.Errorf("resolving recipients: %w", err))
		return
	}
	if len(recipients) == 0 {
		op.Status = StatusCompleted
		log.Info("no recipients matched", logx.Any("roles", op.Roles))
		finish(&NoRecipientsError{Roles: op.Roles})
		return
	}

	// The shared poster is decoded and uploaded once; per-recipient work
	// only adds the avatar overlay and caption on top of it.
	var (
		baseImg   image.Image
		posterURL string
	)
	if len(j.req.Poster) > 0 {
		baseImg, err = compositor.DecodeBytes(j.req.Poster)
		if err != nil {
			fail(fmt.Errorf("decoding poster: %w", err))
			return
		}
		uctx, cancel := context.WithTimeout(ctx, cfg.UploadTimeout)
		posterURL, err = s.deps.Assets.Put(uctx, "operations/"+op.ID+"/poster.png", j.req.Poster)
		cancel()
		if err != nil {
			fail(fmt.Errorf("storing poster: %w", err))
			return
		}
	}

	op.Results = make([]DeliveryResult, len(recipients))
	for i, rec := range recipients {
		op.Results[i] = DeliveryResult{
			RecipientID: rec.ID,
			Name:        rec.Name,
			Phone:       rec.Phone,
			Role:        rec.Role,
			Status:      ResultPending,
		}
	}
	op.Summary = Summary{TotalTargeted: len(recipients), PendingCount: len(recipients)}
	if err := s.deps.Store.UpdateOperation(ctx, op); err != nil {
		fail(fmt.Errorf("persisting recipient set: %w", err))
		return
	}
	log.Info("operation dispatching",
		logx.Int("recipients", len(recipients)),
		logx.Bool("personalize", op.Personalize))

	for i, rec := range recipients {
		select {
		case <-ctx.Done():
			fail(ctx.Err())
			return
		case <-stopCh:
			fail(fmt.Errorf("pipeline stopped"))
			return
		default:
		}

		res := &op.Results[i]
		attempted := time.Now().UTC()
		res.AttemptedAt = &attempted

		imageURL := posterURL
		if op.Personalize && rec.AvatarURL != "" && baseImg != nil {
			url, perr := s.personalizeImage(ctx, cfg, op.ID, rec, baseImg, j.req)
			if perr != nil {
				s.recordFailure(res, &op.Summary, perr)
				log.Warn("personalization failed",
					logx.String("recipient", rec.ID), logx.Err(perr))
				s.persistProgress(ctx, op, log)
				continue
			}
			imageURL = url
		}
		res.ImageURL = imageURL

		if err := s.limiter.Wait(ctx); err != nil {
			fail(err)
			return
		}
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		msgID, serr := s.deps.Sender.Send(sctx, rec.Phone, buildMessage(cfg, j.req, rec, imageURL))
		cancel()
		if serr != nil {
			s.recordFailure(res, &op.Summary, serr)
			log.Warn("send failed", logx.String("recipient", rec.ID), logx.Err(serr))
		} else {
			res.Status = ResultSuccess
			res.ProviderMessageID = msgID
			op.Summary.SuccessCount++
			op.Summary.PendingCount--
		}
		s.persistProgress(ctx, op, log)
	}

	op.Status = StatusCompleted
	log.Info("operation completed",
		logx.Int("success", op.Summary.SuccessCount),
		logx.Int("failed", op.Summary.FailureCount),
		logx.Duration("took", time.Since(start)))
	finish(nil)
}

func (s *Service) recordFailure(res *DeliveryResult, sum *Summary, err error) {
	res.Status = ResultFailed
	res.Error = err.Error()
	res.ErrorCode = errorCode(err)
	sum.FailureCount++
	sum.PendingCount--
}

// persistProgress flushes intermediate state so status queries observe
// per-recipient outcomes while the operation is still running.
func (s *Service) persistProgress(ctx context.Context, op *Operation, log logx.Logger) {
	if err := s.deps.Store.UpdateOperation(ctx, op); err != nil {
		log.Warn("persisting operation progress failed", logx.Err(err))
	}
}
