package mail

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const retryPause = time.Second

// Service is the Dispatcher backed by a queue and a pool of delivery workers
type Service struct {
	queue     Queue
	transport Transport
	workers   int
	logger    *zap.Logger
	now       func() time.Time
	wg        sync.WaitGroup
}

// NewService creates a dispatcher; call Start to begin delivering
func NewService(queue Queue, transport Transport, workers int, logger *zap.Logger) *Service {
	if workers < 1 {
		workers = 1
	}
	return &Service{
		queue:     queue,
		transport: transport,
		workers:   workers,
		logger:    logger,
		now:       time.Now,
	}
}

// Dispatch enqueues msg to be sent no earlier than msg.Delay from now
func (s *Service) Dispatch(ctx context.Context, msg Message) {
	if msg.NotBefore.IsZero() {
		msg.NotBefore = s.now().Add(msg.Delay)
	}
	if err := s.queue.Enqueue(ctx, msg); err != nil {
		s.logger.Error("Failed to queue email",
			zap.Strings("to", msg.To),
			zap.String("subject", msg.Subject),
			zap.Error(err),
		)
		return
	}
	s.logger.Debug("Queued email",
		zap.Strings("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Duration("delay", msg.Delay),
	)
}

// Start launches the workers. They stop when ctx is done.
func (s *Service) Start(ctx context.Context) {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go func(id int) {
			defer s.wg.Done()
			s.work(ctx, id)
		}(i)
	}
	s.logger.Info("Mail workers started", zap.Int("workers", s.workers))
}

// Wait blocks until every worker has stopped
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) work(ctx context.Context, id int) {
	logger := s.logger.With(zap.Int("worker", id))
	for {
		d, err := s.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("Failed to read mail queue", zap.Error(err))
			if !sleep(ctx, retryPause) {
				return
			}
			continue
		}

		s.deliver(ctx, logger, d.Message)

		// Unacknowledged deliveries stay recoverable in durable queues
		if err := d.Ack(context.WithoutCancel(ctx)); err != nil {
			logger.Error("Failed to acknowledge email", zap.Error(err))
		}
	}
}

func (s *Service) deliver(ctx context.Context, logger *zap.Logger, msg Message) {
	if err := s.transport.Send(ctx, msg); err != nil {
		logger.Error("Failed to send email",
			zap.Strings("to", msg.To),
			zap.String("subject", msg.Subject),
			zap.Error(err),
		)
		return
	}
	logger.Info("Sent email",
		zap.Strings("to", msg.To),
		zap.String("subject", msg.Subject),
	)
}

// sleep waits for d, returning false if ctx ends first
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
