// Package queue carries process and finalize tasks between the API and
// the workers. Delivery is at-least-once; handlers must be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type Kind string

const (
	KindProcess  Kind = "process"
	KindFinalize Kind = "finalize"
)

// Task references a unit (process) or a batch (finalize) by id.
type Task struct {
	Kind Kind      `json:"kind"`
	ID   uuid.UUID `json:"id"`
}

func ProcessTask(unitID uuid.UUID) Task   { return Task{Kind: KindProcess, ID: unitID} }
func FinalizeTask(batchID uuid.UUID) Task { return Task{Kind: KindFinalize, ID: batchID} }

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("queue closed")

// Handler handles one task. A returned error is logged by the consumer;
// the task is not redelivered because of it.
type Handler func(ctx context.Context, t Task) error

// Queue is a task queue backend.
type Queue interface {
	Enqueue(ctx context.Context, t Task) error
	// Consume delivers tasks to h one at a time until ctx is done. Run
	// several Consume loops for concurrency.
	Consume(ctx context.Context, h Handler) error
	Close() error
}

func Encode(t Task) ([]byte, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(t)
}

func Decode(b []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(b, &t); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	if err := t.validate(); err != nil {
		return Task{}, err
	}
	return t, nil
}

func (t Task) validate() error {
	switch t.Kind {
	case KindProcess, KindFinalize:
	default:
		return fmt.Errorf("unknown task kind %q", t.Kind)
	}
	if t.ID == uuid.Nil {
		return errors.New("task id is required")
	}
	return nil
}
