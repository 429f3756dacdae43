// Package queue provides the at-least-once leased work queue the lifecycle
// manager dispatches to and the worker polls.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrQueueUnavailable = errors.New("queue unavailable")
var ErrEmptyBody = errors.New("empty message body")

// Message is one delivery. Receipt identifies this particular lease and is
// what Delete consumes; ReceiveCount starts at 1.
type Message struct {
	ID           string
	Body         []byte
	Receipt      string
	ReceiveCount int
}

// Queue is a leased queue. A received message stays invisible for the lease
// and is redelivered unless deleted before it expires. Messages received more
// than the backend's max-receive count are dead-lettered.
type Queue interface {
	Send(ctx context.Context, body []byte) (string, error)
	Receive(ctx context.Context, max int, wait, lease time.Duration) ([]Message, error)
	Delete(ctx context.Context, msg Message) error
}

// Envelope is the dispatch payload shared by producer and worker.
type Envelope struct {
	JobID string       `json:"job_id"`
	Tool  string       `json:"tool"`
	Args  EnvelopeArgs `json:"args"`
}

type EnvelopeArgs struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a message body. A body without a job id is rejected.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	if len(body) == 0 {
		return nil, ErrEmptyBody
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.JobID == "" {
		return nil, fmt.Errorf("decode envelope: missing job_id")
	}
	return &env, nil
}
