// Package events scores trend samples, corroborates them across
// sources, fuses duplicate detections, and emits deduplicated events
// to the configured publishers.
package events

import (
	"context"
	"errors"

	"github.com/veille-labs/courant/pkg/models"
)

// Publisher delivers emitted events to a downstream channel. The store
// row is already committed when Publish is called, so a failed publish
// loses only the live notification, not the event.
type Publisher interface {
	Publish(ctx context.Context, ev *models.Event) error
	Close() error
}

// Multi fans each event out to every publisher. Delivery continues past
// failures; the joined error is returned.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev *models.Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
