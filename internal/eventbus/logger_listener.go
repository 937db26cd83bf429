package eventbus

import (
	"context"

	"github.com/TokeNoMax/agardotfun-sub001/internal/logging"
)

// StartLoggingListener подписывается на все события и пишет их в лог.
// Функция неблокирующая.
func StartLoggingListener(bus EventBus) error {
	_, err := bus.Subscribe(context.Background(), Filter{}, func(ctx context.Context, ev *Envelope) {
		logging.LogDebug("[EventBus] %s %s src=%s room=%s prio=%d size=%dB",
			ev.ID, ev.EventType, ev.Source, ev.RoomID, ev.Priority, len(ev.Payload))
	})
	if err != nil {
		return err
	}
	logging.LogInfo("LoggingListener: подписка на все события активирована")
	return nil
}
