package runtime

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	metadatapkg "github.com/drblury/flowbus/internal/runtime/metadata"
)

// DeliveryInfo describes a delivery to hooks.
type DeliveryInfo struct {
	// Address is the consumer address.
	Address string
	// MessageID is the unique identifier of the message.
	MessageID string
	// Headers are the message headers.
	Headers metadatapkg.Metadata
	// Send is true for point-to-point deliveries.
	Send bool
	// Local is false for messages that arrived through the cluster bridge.
	Local bool
	// Context is the context handed down the chain.
	Context context.Context
	// StartedAt is when the hook interceptor ran.
	StartedAt time.Time
	// Duration is set in OnDeliveryDone and OnDeliveryError.
	Duration time.Duration
}

// DeliveryHooks are callbacks around each delivery. Nil hooks are skipped.
type DeliveryHooks struct {
	// OnDeliveryStart runs before the rest of the chain.
	OnDeliveryStart func(info DeliveryInfo)

	// OnDeliveryDone runs after the handler returned nil.
	OnDeliveryDone func(info DeliveryInfo)

	// OnDeliveryError runs after the handler failed.
	OnDeliveryError func(info DeliveryInfo, err error)

	// OnDeliveryVetoed runs when a later interceptor stopped the chain.
	OnDeliveryVetoed func(info DeliveryInfo)
}

// Merge combines two DeliveryHooks. The hooks from other run after h.
func (h DeliveryHooks) Merge(other DeliveryHooks) DeliveryHooks {
	return DeliveryHooks{
		OnDeliveryStart:  chainInfoHooks(h.OnDeliveryStart, other.OnDeliveryStart),
		OnDeliveryDone:   chainInfoHooks(h.OnDeliveryDone, other.OnDeliveryDone),
		OnDeliveryError:  chainErrorHooks(h.OnDeliveryError, other.OnDeliveryError),
		OnDeliveryVetoed: chainInfoHooks(h.OnDeliveryVetoed, other.OnDeliveryVetoed),
	}
}

func chainInfoHooks(a, b func(DeliveryInfo)) func(DeliveryInfo) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(info DeliveryInfo) {
		a(info)
		b(info)
	}
}

func chainErrorHooks(a, b func(DeliveryInfo, error)) func(DeliveryInfo, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(info DeliveryInfo, err error) {
		a(info, err)
		b(info, err)
	}
}

// DeliveryHooksInterceptor invokes hooks around the remainder of the chain.
// A chain parked by a later interceptor is reported as vetoed and reported
// again when it resumes.
func DeliveryHooksInterceptor(hooks DeliveryHooks) Interceptor {
	return InterceptorFunc(func(dc *DeliveryContext) error {
		msg := dc.Message()
		info := DeliveryInfo{
			Address:   dc.Address(),
			MessageID: msg.ID,
			Headers:   msg.Headers,
			Send:      msg.IsSend(),
			Local:     msg.IsLocal(),
			Context:   dc.Context(),
			StartedAt: time.Now(),
		}

		if hooks.OnDeliveryStart != nil {
			hooks.OnDeliveryStart(info)
		}

		dc.Next()

		report := func() {
			info.Duration = time.Since(info.StartedAt)
			switch {
			case dc.Outcome() != OutcomeDelivered:
				if hooks.OnDeliveryVetoed != nil {
					hooks.OnDeliveryVetoed(info)
				}
			case dc.Err() != nil:
				if hooks.OnDeliveryError != nil {
					hooks.OnDeliveryError(info, dc.Err())
				}
			default:
				if hooks.OnDeliveryDone != nil {
					hooks.OnDeliveryDone(info)
				}
			}
		}
		report()
		if dc.Outcome() == OutcomePending {
			// a later interceptor parked the chain; report again if it resumes
			dc.whenResumed(report)
		}
		return nil
	})
}

// LoggingHooks returns hooks that log delivery lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) DeliveryHooks {
	return DeliveryHooks{
		OnDeliveryStart: func(info DeliveryInfo) {
			logger.Debug("Delivery started", loggingpkg.LogFields{
				"address":    info.Address,
				"message_id": info.MessageID,
				"local":      info.Local,
			})
		},
		OnDeliveryDone: func(info DeliveryInfo) {
			logger.Info("Delivery completed", loggingpkg.LogFields{
				"address":     info.Address,
				"message_id":  info.MessageID,
				"duration_ms": info.Duration.Milliseconds(),
			})
		},
		OnDeliveryError: func(info DeliveryInfo, err error) {
			logger.Error("Delivery failed", err, loggingpkg.LogFields{
				"address":     info.Address,
				"message_id":  info.MessageID,
				"duration_ms": info.Duration.Milliseconds(),
			})
		},
		OnDeliveryVetoed: func(info DeliveryInfo) {
			logger.Debug("Delivery vetoed", loggingpkg.LogFields{
				"address":    info.Address,
				"message_id": info.MessageID,
			})
		},
	}
}

// MetricsHooks returns hooks that forward delivery events to counters.
func MetricsHooks(onStart, onDone, onError func(address string)) DeliveryHooks {
	return DeliveryHooks{
		OnDeliveryStart: func(info DeliveryInfo) {
			if onStart != nil {
				onStart(info.Address)
			}
		},
		OnDeliveryDone: func(info DeliveryInfo) {
			if onDone != nil {
				onDone(info.Address)
			}
		},
		OnDeliveryError: func(info DeliveryInfo, err error) {
			if onError != nil {
				onError(info.Address)
			}
		},
	}
}

// AlertingHooks returns hooks that trigger alerts on handler failures.
func AlertingHooks(alertFunc func(info DeliveryInfo, err error)) DeliveryHooks {
	return DeliveryHooks{
		OnDeliveryError: alertFunc,
	}
}
