// Package notify carries best-effort wake signals from producers to
// schedulers. A lost signal only delays a job until the next poll.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ContentType of an encoded Signal
const ContentType = "application/json"

// Signal tells schedulers that a job was enqueued
type Signal struct {
	JobID string `json:"job_id"`
	Queue string `json:"queue"`
}

// Encode returns the wire form of the signal
func (s Signal) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// Decode parses a wire signal
func Decode(body []byte) (Signal, error) {
	var s Signal
	if err := json.Unmarshal(body, &s); err != nil {
		return Signal{}, fmt.Errorf("failed to decode signal: %w", err)
	}
	if s.JobID == "" {
		return Signal{}, errors.New("signal has no job_id")
	}
	return s, nil
}

// Notifier publishes wake signals
type Notifier interface {
	Notify(ctx context.Context, sig Signal) error
}

// Waker is anything that can be nudged to look for work
type Waker interface {
	Wake()
}

// LocalNotifier wakes schedulers running in the same process
type LocalNotifier struct {
	mu     sync.RWMutex
	wakers []Waker
}

// NewLocalNotifier creates a LocalNotifier with optional initial subscribers
func NewLocalNotifier(wakers ...Waker) *LocalNotifier {
	return &LocalNotifier{wakers: wakers}
}

// Subscribe adds a waker
func (n *LocalNotifier) Subscribe(w Waker) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.wakers = append(n.wakers, w)
}

func (n *LocalNotifier) Notify(_ context.Context, _ Signal) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, w := range n.wakers {
		w.Wake()
	}
	return nil
}

// Publisher is the part of the RabbitMQ client a notifier needs
type Publisher interface {
	Publish(ctx context.Context, body []byte, contentType string) error
}

// AMQPNotifier broadcasts signals through a RabbitMQ exchange
type AMQPNotifier struct {
	publisher Publisher
}

// NewAMQPNotifier creates an AMQPNotifier
func NewAMQPNotifier(publisher Publisher) *AMQPNotifier {
	return &AMQPNotifier{publisher: publisher}
}

func (n *AMQPNotifier) Notify(ctx context.Context, sig Signal) error {
	body, err := sig.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode signal: %w", err)
	}
	return n.publisher.Publish(ctx, body, ContentType)
}

// Multi fans a signal out to several notifiers and joins their errors
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, sig Signal) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, sig); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
