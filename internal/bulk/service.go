package bulk

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/praveen-singh01/whatsapp-automation/internal/assets"
	"github.com/praveen-singh01/whatsapp-automation/internal/delivery"
	"github.com/praveen-singh01/whatsapp-automation/internal/directory"
	"github.com/praveen-singh01/whatsapp-automation/pkg/logx"
)

// Config tunes the operation pipeline. Zero values fall back to defaults.
type Config struct {
	// Workers bounds how many operations run concurrently. Recipients
	// within one operation are always processed sequentially.
	Workers   int
	QueueSize int

	// RatePerSec caps provider sends across all running operations.
	RatePerSec float64
	Burst      int

	SendTimeout     time.Duration
	DownloadTimeout time.Duration
	UploadTimeout   time.Duration

	// CanvasSize is the square edge, in pixels, the recipient avatar is
	// cover-cropped to before compositing.
	CanvasSize int

	// TemplateLanguage is the language code sent with template messages.
	TemplateLanguage string
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = 15 * time.Second
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = 10 * time.Second
	}
	if c.CanvasSize <= 0 {
		c.CanvasSize = 250
	}
	if c.TemplateLanguage == "" {
		c.TemplateLanguage = "en"
	}
	return c
}

// ImageFetcher downloads a remote image. compositor.Fetcher is the
// production implementation.
type ImageFetcher interface {
	Fetch(ctx context.Context, url string) (image.Image, error)
}

// Deps are the collaborators an operation needs. All of them must be safe
// for concurrent use.
type Deps struct {
	Store    OperationStore
	Resolver directory.Resolver
	Sender   delivery.Client
	Assets   assets.Store
	Fetcher  ImageFetcher
}

type job struct {
	op  *Operation
	req Request

	// done is closed by the worker after final state is persisted.
	// final and err may only be read after done is closed.
	done  chan struct{}
	final *Operation
	err   error
}

// Service owns the bulk-send worker pool.
type Service struct {
	deps Deps
	log  logx.Logger

	limiter *rate.Limiter

	mu       sync.Mutex
	cfg      Config
	queue    chan *job
	stopCh   chan struct{}
	stopDone chan struct{}
	runCtx   context.Context

	workerWG sync.WaitGroup
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		deps:    deps,
		log:     log,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
	}
}

// Apply swaps in a new pipeline config. Timeouts and the rate limit take
// effect immediately; the pool size takes effect on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	s.limiter.SetBurst(cfg.Burst)
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) Start(ctx context.Context) {
	// If a Stop() is in progress, wait for it to finish so we never run
	// two worker pools.
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			s.mu.Unlock()
			return // already running
		}
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()

	s.stopCh = make(chan struct{})
	s.runCtx = ctx
	// Fresh queue per run so a stop/start cycle never replays stale jobs.
	s.queue = make(chan *job, s.cfg.QueueSize)

	workers := s.cfg.Workers
	stopCh := s.stopCh
	queue := s.queue

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in bulk worker",
						logx.Int("worker", idx),
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			s.worker(ctx, stopCh, queue, idx)
		}()
	}
	s.log.Info("bulk pipeline started", logx.Int("workers", workers))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	s.mu.Unlock()

	close(stopCh)

	finished := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		s.log.Warn("bulk pipeline stop timed out", logx.Err(ctx.Err()))
	}

	s.mu.Lock()
	s.stopCh = nil
	s.stopDone = nil
	s.queue = nil
	s.mu.Unlock()
	close(done)
	s.log.Info("bulk pipeline stopped")
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan *job, idx int) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			s.runOperation(ctx, stopCh, j)
		}
	}
}

// Submit validates the request, records a pending operation, and blocks
// until the pipeline finishes it. The returned record is always the latest
// persisted state, also when the error is non-nil.
func (s *Service) Submit(ctx context.Context, req Request) (*Operation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	// Liveness is checked before any side effect so a rejected submission
	// never leaves a record stuck at pending.
	s.mu.Lock()
	queue := s.queue
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()
	if !running || queue == nil {
		return nil, &BulkOperationError{Err: errors.New("pipeline is not running")}
	}

	op := &Operation{
		ID:           uuid.NewString(),
		Status:       StatusPending,
		Roles:        append([]directory.Role(nil), req.Roles...),
		MessageBody:  req.MessageBody,
		TemplateName: req.TemplateName,
		Personalize:  req.Personalize,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.deps.Store.CreateOperation(ctx, op); err != nil {
		return nil, newOperationError(op.ID, fmt.Errorf("persisting operation: %w", err))
	}

	j := &job{op: op, req: req, done: make(chan struct{})}
	select {
	case queue <- j:
	case <-ctx.Done():
		return op.Clone(), ctx.Err()
	}

	select {
	case <-j.done:
		return j.final, j.err
	case <-ctx.Done():
		// The operation keeps running; hand back whatever is persisted.
		if cur, err := s.deps.Store.GetOperation(context.WithoutCancel(ctx), op.ID); err == nil {
			return cur, ctx.Err()
		}
		return op.Clone(), ctx.Err()
	}
}

// GetStatus returns a snapshot of an operation's persisted state.
func (s *Service) GetStatus(ctx context.Context, id string) (*Operation, error) {
	return s.deps.Store.GetOperation(ctx, id)
}
