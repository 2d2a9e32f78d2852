package messaging

import (
	"context"
	"encoding/json"

	"tuning-backend/pkg/models"
)

type inMemoryTask struct {
	queue   string
	payload []byte
}

func (t *inMemoryTask) Type() string {
	return t.queue
}

func (t *inMemoryTask) Payload() []byte {
	return t.payload
}

func (t *inMemoryTask) Ack() error {
	return nil
}

func (t *inMemoryTask) Nack() error {
	return nil
}

func (t *inMemoryTask) Reject() error {
	return nil
}

// InMemoryQueue is both a Publisher and a Receiver backed by a channel.
// Used for single-process deployments and tests.
type InMemoryQueue struct {
	tasks chan Task
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		tasks: make(chan Task, 100),
	}
}

func (q *InMemoryQueue) publishTaskInternal(queue string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	q.tasks <- &inMemoryTask{queue: queue, payload: data}

	return nil
}

func (q *InMemoryQueue) PublishPrepareDataTask(ctx context.Context, payload models.PrepareDataPayload) error {
	return q.publishTaskInternal(PrepareDataQueue, payload)
}

func (q *InMemoryQueue) PublishFinetuneTask(ctx context.Context, payload models.FinetunePayload) error {
	return q.publishTaskInternal(FinetuneQueue, payload)
}

func (q *InMemoryQueue) PublishBatchInferenceTask(ctx context.Context, payload models.BatchInferencePayload) error {
	return q.publishTaskInternal(BatchInferenceQueue, payload)
}

func (q *InMemoryQueue) PublishEvaluationTask(ctx context.Context, payload models.EvaluationPayload) error {
	return q.publishTaskInternal(EvaluationQueue, payload)
}

func (q *InMemoryQueue) Tasks() <-chan Task {
	return q.tasks
}

func (q *InMemoryQueue) Close() {
	if q.tasks != nil {
		close(q.tasks)
		q.tasks = nil
	}
}
