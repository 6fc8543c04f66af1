package execution

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentuity/mcp-server/eventing"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// HeaderKind tags eventing messages exchanged between servers and workers
const HeaderKind = "mcp-relay-kind"

const (
	// KindJob is a tool job for a worker
	KindJob = "job"
	// KindResult is a worker result
	KindResult = "result"
	// KindMessage is a client message forwarded to the node owning the session
	KindMessage = "message"
	// KindClose asks the node owning a session to tear it down
	KindClose = "close"
)

// Job is a tool call handed to a worker
type Job struct {
	ID         string                 `msgpack:"id"`
	Tool       string                 `msgpack:"tool"`
	Source     string                 `msgpack:"source"`
	Arguments  map[string]interface{} `msgpack:"args"`
	SessionID  string                 `msgpack:"session"`
	MessageID  string                 `msgpack:"message"`
	ReplyTo    string                 `msgpack:"reply"`
	EnqueuedAt time.Time              `msgpack:"enqueued"`
}

// JobResult is what a worker publishes when a job finishes. Error is set
// when the tool failed; Result holds the tool output as JSON otherwise.
type JobResult struct {
	JobID     string          `msgpack:"job"`
	SessionID string          `msgpack:"session"`
	MessageID string          `msgpack:"message"`
	Result    json.RawMessage `msgpack:"result"`
	Error     string          `msgpack:"error"`
}

// NewJobResult builds the result of a job from a tool's output
func NewJobResult(job Job, output interface{}, err error) JobResult {
	result := JobResult{JobID: job.ID, SessionID: job.SessionID, MessageID: job.MessageID}
	if err != nil {
		result.Error = err.Error()
		return result
	}
	if e, ok := output.(error); ok {
		result.Error = e.Error()
		return result
	}
	switch v := output.(type) {
	case nil:
	case json.RawMessage:
		result.Result = v
	default:
		buf, merr := json.Marshal(output)
		if merr != nil {
			result.Error = errors.Wrap(merr, "failed to encode tool output").Error()
			return result
		}
		result.Result = buf
	}
	return result
}

// Value returns the output carried by the result: an error when the tool
// failed, the raw JSON output otherwise
func (r JobResult) Value() interface{} {
	if r.Error != "" {
		return errors.New(r.Error)
	}
	if len(r.Result) == 0 {
		return nil
	}
	return r.Result
}

func EncodeJob(job Job) ([]byte, error) {
	return msgpack.Marshal(job)
}

func DecodeJob(data []byte) (Job, error) {
	var job Job
	if err := msgpack.Unmarshal(data, &job); err != nil {
		return job, errors.Wrap(err, "failed to decode job")
	}
	return job, nil
}

func EncodeResult(result JobResult) ([]byte, error) {
	return msgpack.Marshal(result)
}

func DecodeResult(data []byte) (JobResult, error) {
	var result JobResult
	if err := msgpack.Unmarshal(data, &result); err != nil {
		return result, errors.Wrap(err, "failed to decode job result")
	}
	return result, nil
}

// JobHandle identifies an accepted job
type JobHandle struct {
	JobID string
}

// JobQueue hands jobs to workers
type JobQueue interface {
	Enqueue(ctx context.Context, job Job) (JobHandle, error)
}

// EventingQueue publishes jobs to a queue group subject
type EventingQueue struct {
	client  eventing.Client
	subject string
	replyTo string
}

var _ JobQueue = (*EventingQueue)(nil)

// NewEventingQueue returns a JobQueue publishing on subject. Jobs without a
// reply subject get replyTo.
func NewEventingQueue(client eventing.Client, subject, replyTo string) *EventingQueue {
	return &EventingQueue{client: client, subject: subject, replyTo: replyTo}
}

func (q *EventingQueue) Enqueue(ctx context.Context, job Job) (JobHandle, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.ReplyTo == "" {
		job.ReplyTo = q.replyTo
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	data, err := EncodeJob(job)
	if err != nil {
		return JobHandle{}, errors.Wrap(err, "failed to encode job")
	}
	if err := q.client.QueuePublish(ctx, q.subject, data, eventing.WithHeader(HeaderKind, KindJob)); err != nil {
		return JobHandle{}, errors.Wrapf(err, "failed to enqueue job %s", job.ID)
	}
	return JobHandle{JobID: job.ID}, nil
}
