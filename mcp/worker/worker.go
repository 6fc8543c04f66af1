// Package worker consumes queued tool jobs and publishes their results back
// to the server process that is waiting for them.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/agentuity/mcp-server/eventing"
	"github.com/agentuity/mcp-server/logger"
	"github.com/agentuity/mcp-server/mcp/execution"
	"github.com/agentuity/mcp-server/mcp/tool"
	"github.com/cockroachdb/errors"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultSubject     = "mcp.jobs"
	DefaultQueueGroup  = "mcp-workers"
	DefaultConcurrency = 10
)

var tracer = otel.Tracer("@agentuity/mcp-server/worker")

type Worker struct {
	client      eventing.Client
	tools       *tool.Set
	runner      *execution.DirectStrategy
	logger      logger.Logger
	subject     string
	group       string
	concurrency int
	timeout     time.Duration

	mu   sync.Mutex
	sub  eventing.Subscriber
	pool *pool.Pool
}

type Option func(*Worker)

func WithSubject(subject string) Option {
	return func(w *Worker) {
		w.subject = subject
	}
}

func WithQueueGroup(group string) Option {
	return func(w *Worker) {
		w.group = group
	}
}

// WithConcurrency bounds the number of jobs run at once
func WithConcurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithTimeout bounds the run time of each job. Zero means no limit.
func WithTimeout(d time.Duration) Option {
	return func(w *Worker) {
		w.timeout = d
	}
}

func WithLogger(log logger.Logger) Option {
	return func(w *Worker) {
		w.logger = log
	}
}

func New(client eventing.Client, tools *tool.Set, opts ...Option) *Worker {
	w := &Worker{
		client:      client,
		tools:       tools,
		subject:     DefaultSubject,
		group:       DefaultQueueGroup,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = logger.NewConsoleLogger()
	}
	w.logger = w.logger.WithPrefix("[worker]")
	w.runner = execution.NewDirectStrategy(w.logger)
	return w
}

// Start joins the queue group and begins running jobs
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sub != nil {
		return errors.New("worker already started")
	}
	w.pool = pool.New().WithMaxGoroutines(w.concurrency)
	sub, err := w.client.QueueSubscribe(ctx, w.subject, w.group, w.receive)
	if err != nil {
		return errors.Wrapf(err, "failed to subscribe to %s", w.subject)
	}
	w.sub = sub
	w.logger.Info("consuming jobs from %s as %s", w.subject, w.group)
	return nil
}

// Stop leaves the queue group and waits for running jobs to finish
func (w *Worker) Stop() error {
	w.mu.Lock()
	sub, p := w.sub, w.pool
	w.sub, w.pool = nil, nil
	w.mu.Unlock()
	if sub == nil {
		return nil
	}
	err := sub.Close()
	p.Wait()
	return err
}

func (w *Worker) receive(ctx context.Context, msg eventing.Message) {
	if kind := msg.Headers().Get(execution.HeaderKind); kind != "" && kind != execution.KindJob {
		w.logger.Debug("ignoring message of kind %s", kind)
		return
	}
	job, err := execution.DecodeJob(msg.Data())
	if err != nil {
		w.logger.Warn("ignoring undecodable job: %s", err)
		return
	}
	w.mu.Lock()
	p := w.pool
	w.mu.Unlock()
	if p == nil {
		return
	}
	p.Go(func() {
		w.Run(context.WithoutCancel(ctx), job)
	})
}

// Run executes a job and publishes its result. It returns the result so
// callers running jobs inline can inspect it.
func (w *Worker) Run(ctx context.Context, job execution.Job) execution.JobResult {
	ctx, span := tracer.Start(ctx, "job", trace.WithAttributes(
		attribute.String("mcp.job", job.ID),
		attribute.String("mcp.tool", job.Tool),
		attribute.String("mcp.session", job.SessionID),
	))
	defer span.End()

	log := w.logger.With(map[string]interface{}{"job": job.ID, "session": job.SessionID})
	if !job.EnqueuedAt.IsZero() {
		log.Trace("picked up after %s", time.Since(job.EnqueuedAt))
	}

	output, err := w.execute(ctx, job)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		log.Debug("tool %s failed: %s", job.Tool, err)
	}
	result := execution.NewJobResult(job, output, err)
	if job.ReplyTo == "" {
		log.Warn("job has no reply subject, dropping result")
		return result
	}
	data, err := execution.EncodeResult(result)
	if err != nil {
		log.Error("failed to encode result: %s", err)
		return result
	}
	if err := w.client.Publish(ctx, job.ReplyTo, data, eventing.WithHeader(execution.HeaderKind, execution.KindResult)); err != nil {
		log.Error("failed to publish result to %s: %s", job.ReplyTo, err)
	}
	return result
}

func (w *Worker) execute(ctx context.Context, job execution.Job) (interface{}, error) {
	t, ok := w.tools.Get(job.Tool)
	if !ok {
		return nil, errors.Newf("tool not found: %s", job.Tool)
	}
	if source := tool.SourceOf(t); job.Source != "" && source != job.Source {
		w.logger.Warn("job %s wants %s from %s but this worker has it from %s", job.ID, job.Tool, job.Source, source)
	}
	if err := tool.ValidateArguments(t, job.Arguments); err != nil {
		return nil, err
	}
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	return w.runner.ExecuteTool(ctx, t, job.Arguments, execution.CallContext{
		SessionID: job.SessionID,
		MessageID: job.MessageID,
	})
}
