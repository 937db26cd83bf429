package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitChannel(t *testing.T, check func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestKCPChannel_ReconnectsAfterBrokenSession(t *testing.T) {
	listener, err := ListenKCP("127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	accepted := make(chan *KCPChannel, 2)
	go func() {
		for {
			ch, err := listener.Accept()
			if err != nil {
				return
			}
			accepted <- ch
		}
	}()

	client := NewKCPChannel()
	dropped := make(chan error, 1)
	client.OnDisconnect(func(err error) {
		select {
		case dropped <- err:
		default:
		}
	})

	ctx := context.Background()
	require.NoError(t, client.Connect(ctx, listener.Addr()))
	defer client.Close()

	var server *KCPChannel
	select {
	case server = <-accepted:
	case <-time.After(3 * time.Second):
		t.Fatal("Слушатель не принял сессию")
	}
	defer server.Close()

	// Кадр длиннее предела некорректен: приёмный цикл клиента
	// фиксирует разрыв, прочитав один только префикс длины
	require.NoError(t, server.Send(ctx, make([]byte, maxFrameSize+1)))

	select {
	case <-dropped:
	case <-time.After(3 * time.Second):
		t.Fatal("Разрыв не зафиксирован")
	}
	waitChannel(t, func() bool { return !client.IsConnected() }, "Канал остался подключённым")

	// Разорванный канал повторно подключается к тому же адресу
	require.NoError(t, client.Connect(ctx, listener.Addr()))
	assert.True(t, client.IsConnected())

	select {
	case <-accepted:
	case <-time.After(3 * time.Second):
		t.Fatal("Повторная сессия не принята")
	}
}
