// Package notify delivers task responses to the outside world.
package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/terminal-bench/csarunner/internal/csa"
	"github.com/terminal-bench/csarunner/pkg/messaging"
)

// Notifier receives intermediate and final responses of a task
type Notifier interface {
	Notify(ctx context.Context, resp csa.Response) error
}

// Publisher is the publishing capability of the messaging client
type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

var _ Publisher = (*messaging.Client)(nil)

// NATSPublisher publishes responses as events on csa.response
type NATSPublisher struct {
	publisher Publisher
	subject   string
	source    string
}

// NewNATSPublisher creates a publisher. An empty subject falls back to
// messaging.SubjectCsaResponse.
func NewNATSPublisher(publisher Publisher, subject, source string) *NATSPublisher {
	if subject == "" {
		subject = messaging.SubjectCsaResponse
	}
	return &NATSPublisher{publisher: publisher, subject: subject, source: source}
}

// Notify implements Notifier
func (p *NATSPublisher) Notify(ctx context.Context, resp csa.Response) error {
	event, err := messaging.NewEvent(EventType(resp), resp.ID, resp, messaging.EventMetadata{
		CorrelationID: resp.ID,
		Source:        p.source,
	})
	if err != nil {
		return fmt.Errorf("failed to build response event: %w", err)
	}
	if err := p.publisher.Publish(ctx, p.subject, event); err != nil {
		return fmt.Errorf("failed to publish response of %s: %w", resp.ID, err)
	}
	return nil
}

// EventType classifies a response
func EventType(resp csa.Response) string {
	switch {
	case resp.Error != "" || resp.PtEsStatus == csa.StatusError || resp.FrEsStatus == csa.StatusError:
		return messaging.EventTypeTaskFailed
	case resp.PtEsStatus == csa.StatusStillRunningSecure || resp.FrEsStatus == csa.StatusStillRunningSecure:
		return messaging.EventTypeTaskProgress
	default:
		return messaging.EventTypeTaskFinished
	}
}

// Fanout delivers a response to every notifier and joins the errors
type Fanout []Notifier

// Notify implements Notifier
func (f Fanout) Notify(ctx context.Context, resp csa.Response) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, resp); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Logging writes responses to the business log
type Logging struct {
	Logger *zap.Logger
}

// Notify implements Notifier
func (l Logging) Notify(ctx context.Context, resp csa.Response) error {
	l.Logger.Info("task response",
		zap.String("task_id", resp.ID),
		zap.String("pt_es_status", string(resp.PtEsStatus)),
		zap.String("fr_es_status", string(resp.FrEsStatus)),
		zap.String("error", resp.Error))
	return nil
}
