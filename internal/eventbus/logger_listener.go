package eventbus

import (
	"context"

	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/logging"
)

// StartLoggingListener подписывается на все события и пишет их в отладочный лог.
func StartLoggingListener(ctx context.Context, bus EventBus) (Subscription, error) {
	sub, err := bus.Subscribe(ctx, Filter{}, func(ctx context.Context, ev *Envelope) {
		logging.Debug("[EventBus] %s %s src=%s prio=%d size=%dB", ev.ID, ev.EventType, ev.Source, ev.Priority, len(ev.Payload))
	})
	if err != nil {
		return nil, err
	}
	logging.Info("EventBus: журналирование событий включено")
	return sub, nil
}
