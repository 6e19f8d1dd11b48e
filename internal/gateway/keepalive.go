package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// wsPingInterval is how often the server sends WebSocket ping frames.
	wsPingInterval = 30 * time.Second
	// wsPongWait is the maximum time to wait for a pong from the peer.
	wsPongWait = 60 * time.Second
	// wsWriteWait bounds every write, control frames included.
	wsWriteWait = 10 * time.Second
)

// startKeepalive arms the read deadline, extends it on every pong and pings
// the peer every interval. mu must guard all writes to conn. The returned
// function stops the pinger.
func startKeepalive(conn *websocket.Conn, mu *sync.Mutex, interval, pongWait time.Duration) (stop func()) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
				mu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-exited
	}
}
