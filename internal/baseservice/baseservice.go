// Package baseservice provides the small embeddable base every long-running
// internal service (producer, stager, pruner, rescuer, cron, notifier,
// leadership elector) builds on: a shared clock abstraction (stubbable in
// tests) and a logger, so nothing constructs its own ad hoc pair of those.
package baseservice

import (
	"context"
	"log/slog"
	"reflect"
	"time"
)

// TimeGenerator abstracts "now" so tests can control time without sleeping.
type TimeGenerator interface {
	NowUTC() time.Time
}

// Archetype is the shared configuration every service is built from. It's
// intentionally not itself a service: Init below copies its fields into each
// service's own BaseService so that a service can't accidentally mutate
// state shared with its siblings.
type Archetype struct {
	Logger *slog.Logger
	Time   TimeGenerator
}

type realTime struct{}

func (realTime) NowUTC() time.Time { return time.Now().UTC() }

// NewArchetype returns a production archetype: real time, the given logger.
func NewArchetype(logger *slog.Logger) *Archetype {
	return &Archetype{Logger: logger, Time: realTime{}}
}

// BaseService is embedded by every internal service. It carries a logger
// pre-tagged with the service's own type name, and the shared clock.
type BaseService struct {
	Logger *slog.Logger
	Name   string
	Time   TimeGenerator
}

// Init copies archetype into a new BaseService tagged with the dynamic type
// of svc, and returns it; callers do `srv.BaseService = baseservice.Init(archetype, srv)`.
func Init[TService any](archetype *Archetype, svc *TService) BaseService {
	name := reflect.TypeOf(*svc).String()
	return BaseService{
		Logger: archetype.Logger.With(slog.String("service", name)),
		Name:   name,
		Time:   archetype.Time,
	}
}

// WithContext attaches nothing to ctx today, but exists as the seam the
// startstop package uses to propagate baggage (request ids, tracing spans)
// through service goroutines without every service needing to know about
// it.
func WithContext(ctx context.Context) context.Context { return ctx }
