package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/goodtune/quiztime/internal/backend"
	"github.com/goodtune/quiztime/internal/carryover"
	"github.com/goodtune/quiztime/internal/metrics"
)

const (
	eventQuota     = "quota"
	eventCarryover = "carryover"

	keepaliveInterval = 15 * time.Second
	eventBuffer       = 16
)

type event struct {
	name string
	data any
}

// handleEvents streams quota views and carryover quotes as server-sent
// events. Slow clients drop intermediate events; the next one carries the
// full state.
func (s *Server) handleEvents(c *fiber.Ctx) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	events := make(chan event, eventBuffer)
	send := func(e event) {
		select {
		case events <- e:
		default:
		}
	}

	initial := []event{
		{name: eventQuota, data: s.service.View()},
		{name: eventCarryover, data: s.service.PreviewCarryover()},
	}
	unsubscribeViews := s.service.Subscribe(func(v backend.View) { send(event{name: eventQuota, data: v}) })
	unsubscribeQuotes := s.service.SubscribeCarryover(func(q carryover.Quote) { send(event{name: eventCarryover, data: q}) })

	requestID := requestIDFrom(c)
	logger := s.logger.With().Str("request_id", requestID).Logger()
	done := s.done

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		metrics.EventStreams.Inc()
		defer metrics.EventStreams.Dec()
		defer unsubscribeViews()
		defer unsubscribeQuotes()

		logger.Debug().Msg("Event stream opened")

		for _, e := range initial {
			if err := writeEvent(w, e.name, e.data); err != nil {
				return
			}
		}

		ticker := time.NewTicker(keepaliveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case e := <-events:
				if err := writeEvent(w, e.name, e.data); err != nil {
					logger.Debug().Err(err).Msg("Event stream closed by client")
					return
				}
			case <-ticker.C:
				if _, err := w.WriteString(":\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					logger.Debug().Err(err).Msg("Event stream closed by client")
					return
				}
			}
		}
	})

	return nil
}

// writeEvent writes one server-sent event and flushes it.
func writeEvent(w *bufio.Writer, name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", name, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	return w.Flush()
}
