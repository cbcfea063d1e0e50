package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// FallbackContent is shown when decryption cannot finish inside the
// budget. Generic on purpose: it leaks nothing about the payload.
var FallbackContent = Content{
	Title: "otto",
	Body:  "You have a new notification.",
}

// Resolver turns a raw payload into displayable content. Implemented
// by Decryptor; an interface so tests can control timing. The context
// carries the delivery budget: a resolver must stop work once it is
// cancelled.
type Resolver interface {
	Open(ctx context.Context, raw []byte) (Content, error)
}

// History records delivery outcomes. No plaintext passes through it.
type History interface {
	RecordDelivery(deliveryID, outcome string) error
}

// Pipeline races payload decryption against a fixed time budget. The
// platform kills notification extensions that overrun, so a late
// decrypt is worthless; delivering the fallback on time is the win.
type Pipeline struct {
	resolver Resolver
	history  History
	budget   time.Duration
	logger   *slog.Logger
}

// NewPipeline creates a delivery pipeline with the given budget.
func NewPipeline(resolver Resolver, history History, budget time.Duration, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{resolver: resolver, history: history, budget: budget, logger: logger}
}

// Handle decrypts raw and calls deliver exactly once: with the
// decrypted content if it arrives inside the budget, with
// FallbackContent otherwise. Decrypt failure counts as a miss, not an
// error; the user still gets a notification. Handle returns after
// deliver has been called.
func (p *Pipeline) Handle(ctx context.Context, deliveryID string, raw []byte, deliver func(Content)) {
	ctx, cancel := context.WithTimeout(ctx, p.budget)
	defer cancel()

	var once sync.Once
	done := make(chan struct{})

	deliverOnce := func(content Content, outcome string) {
		once.Do(func() {
			deliver(content)
			if err := p.history.RecordDelivery(deliveryID, outcome); err != nil {
				p.logger.Warn("recording delivery", "id", deliveryID, "error", err)
			}
			close(done)
		})
	}

	go func() {
		content, err := p.resolver.Open(ctx, raw)
		if err != nil {
			p.logger.Warn("decrypting notification", "id", deliveryID, "error", err)
			deliverOnce(FallbackContent, "fallback")
			return
		}
		select {
		case <-ctx.Done():
			// Budget already expired; the fallback path owns delivery.
		default:
			deliverOnce(content, "decrypted")
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		deliverOnce(FallbackContent, "fallback")
		<-done
	}
}
