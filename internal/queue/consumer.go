package queue

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Handler processes one dequeued job. A returned error is logged; the
// job is not requeued here, redelivery is the transport's concern.
type Handler func(ctx context.Context, job Job) error

// Consumer drains the queue in a single background loop. A stuck
// handler delays later jobs but never blocks request handling or the
// reminder scan.
type Consumer struct {
	queue       *Queue
	handlers    map[string]Handler
	popTimeout  time.Duration
	log         *logrus.Logger
}

func NewConsumer(q *Queue, log *logrus.Logger) *Consumer {
	return &Consumer{
		queue:      q,
		handlers:   make(map[string]Handler),
		popTimeout: 5 * time.Second,
		log:        log,
	}
}

func (c *Consumer) Handle(name string, handler Handler) {
	c.handlers[name] = handler
}

func (c *Consumer) Run(ctx context.Context) {
	c.log.WithField("jobs", len(c.handlers)).Info("queue consumer started")
	for {
		if ctx.Err() != nil {
			c.log.Info("queue consumer stopped")
			return
		}

		job, err := c.queue.Dequeue(ctx, c.popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("queue consumer stopped")
				return
			}
			c.log.WithError(err).Error("dequeue failed, backing off")
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}

		c.dispatch(ctx, *job)
	}
}

func (c *Consumer) dispatch(ctx context.Context, job Job) {
	handler, ok := c.handlers[job.Name]
	if !ok {
		c.log.WithFields(logrus.Fields{"job": job.ID, "name": job.Name}).Warn("no handler for job, dropping")
		return
	}
	if err := handler(ctx, job); err != nil {
		c.log.WithFields(logrus.Fields{"job": job.ID, "name": job.Name}).WithError(err).Error("job failed")
	}
}
