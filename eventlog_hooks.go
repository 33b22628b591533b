package oasis

import (
	"context"
	"log/slog"
)

// EventLogDropRecorder adapts an EventLog to the Router's DropRecorder
// interface, recording each overflow drop as a system event.
type EventLogDropRecorder struct {
	Log    EventLog
	Logger *slog.Logger
}

func (d EventLogDropRecorder) RecordDrop(channel, sender, reason string) {
	logger := d.Logger
	if logger == nil {
		logger = discardLogger()
	}
	if d.Log == nil {
		return
	}
	_, err := d.Log.Insert(context.Background(), EventLogEntry{
		Type:    EventSystem,
		Channel: channel,
		Error:   reason,
		Success: false,
		Tags:    []string{"router", "queue_drop", sender},
	})
	if err != nil {
		logger.Warn("eventlog: failed to record router drop", "channel", channel, "sender", sender, "error", err)
	}
}

// FallbackEventRecorder builds an onFallback hook that appends a
// EventFallback entry to log every time the chain switches providers.
func FallbackEventRecorder(log EventLog) func(fromName, toName, reason string) {
	return func(fromName, toName, reason string) {
		if log == nil {
			return
		}
		_, _ = log.Insert(context.Background(), EventLogEntry{
			Type:    EventFallback,
			Tool:    fromName + "->" + toName,
			Error:   reason,
			Success: false,
			Tags:    []string{"fallback", fromName, toName},
		})
	}
}
