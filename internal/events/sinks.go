package events

import (
	"context"

	"github.com/maltehedderich/weather-gateway/internal/logger"
	"github.com/maltehedderich/weather-gateway/internal/metrics"
)

// Handler consumes a single event
type Handler func(Event)

// Run feeds events from ch to every handler until ch is closed or ctx is done.
func Run(ctx context.Context, ch <-chan Event, handlers ...Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			for _, h := range handlers {
				h(e)
			}
		}
	}
}

// Attach subscribes handler to bus on its own buffered subscription and
// runs it on a dedicated goroutine. A slow handler only fills its own
// buffer; other subscribers keep receiving every event. The returned func
// unsubscribes and waits for the goroutine to finish.
func Attach(ctx context.Context, bus *Bus, buffer int, handler Handler) func() {
	ch, unsubscribe := bus.Subscribe(buffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		Run(ctx, ch, handler)
	}()
	return func() {
		unsubscribe()
		<-done
	}
}

// LogHandler writes lifecycle events at info/warn and decisions at debug.
func LogHandler(log *logger.ComponentLogger) Handler {
	return func(e Event) {
		switch e.Type {
		case ConnectionEstablished:
			log.Info("coordination store connected")
		case ConnectionLost:
			log.Warn("coordination store connection lost", logger.Fields{"reason": e.Reason})
		case FallbackEntered:
			log.Warn("serving rate limits from local fallback store", logger.Fields{"reason": e.Reason})
		case FallbackExited:
			log.Info("rate limits served by coordination store again")
		case Decision:
			log.Debug("rate limit decision", logger.Fields{
				"scope":      e.Scope,
				"identifier": e.Identifier,
				"cost":       e.Cost,
				"allowed":    e.Allowed,
				"remaining":  e.Remaining,
				"source":     e.Source,
			})
		}
	}
}

// MetricsHandler keeps the fallback gauge current.
func MetricsHandler() Handler {
	return func(e Event) {
		switch e.Type {
		case FallbackEntered:
			metrics.SetRateLimitFallbackActive(true)
		case FallbackExited:
			metrics.SetRateLimitFallbackActive(false)
		}
	}
}
