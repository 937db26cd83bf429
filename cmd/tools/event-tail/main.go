// event-tail подписывается на шину событий сервера через NATS JetStream
// и печатает события в консоль. Инструмент модерации: позволяет вживую
// смотреть нарушения античита и поглощения в комнатах.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/TokeNoMax/agardotfun-sub001/internal/eventbus"
)

const defaultNATSAddr = "nats://localhost:4222"

func main() {
	var (
		natsURL = flag.String("nats", defaultNATSAddr, "адрес NATS сервера")
		stream  = flag.String("stream", "SYNC_EVENTS", "имя JetStream потока")
		types   = flag.String("types", "", "фильтр типов событий через запятую (violation,elimination,presence)")
		sources = flag.String("sources", "", "фильтр источников через запятую (validator,session,transport)")
		room    = flag.String("room", "", "показывать только события одной комнаты")
	)
	flag.Parse()

	bus, err := eventbus.NewJetStreamBus(*natsURL, *stream, 24*time.Hour)
	if err != nil {
		log.Fatalf("Ошибка подключения к NATS %s: %v", *natsURL, err)
	}
	defer bus.Close()

	filter := eventbus.Filter{
		Types:   splitList(*types),
		Sources: splitList(*sources),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := bus.Subscribe(ctx, filter, func(ctx context.Context, ev *eventbus.Envelope) {
		if *room != "" && ev.RoomID != *room {
			return
		}
		fmt.Printf("%s [%s/%s] room=%s prio=%d %s\n",
			ev.Timestamp.Format("15:04:05.000"), ev.Source, ev.EventType,
			ev.RoomID, ev.Priority, string(ev.Payload))
	})
	if err != nil {
		log.Fatalf("Ошибка подписки: %v", err)
	}
	defer sub.Unsubscribe()

	fmt.Printf("Подписка на %s (stream=%s), Ctrl+C для выхода\n", *natsURL, *stream)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
