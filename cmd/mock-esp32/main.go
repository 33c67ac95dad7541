// mock-esp32 simulates the stage firmware behind its WiFi WebSocket so the
// host can be exercised without hardware. It speaks the same line protocol:
// moves ramp the position and report POS, homing ends with
// ACK:HOMING_DONE and GET_SENSOR answers from a distance model with its
// focus at step 200.
//
// Usage:
//
//	mock-esp32 [-listen :81] [-path /] [-speed 2] [-tick 50ms] [-trace]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"laserstage/pkg/log"
	"laserstage/pkg/protocol"
)

func main() {
	listen := flag.String("listen", ":81", "Address to listen on")
	path := flag.String("path", "/", "WebSocket path")
	speed := flag.Float64("speed", 2, "Initial speed in mm/s")
	tick := flag.Duration("tick", 50*time.Millisecond, "Position report interval while moving")
	trace := flag.Bool("trace", false, "Log every command and frame")
	flag.Parse()

	logger := log.GetLogger("mock-esp32")
	if *trace {
		logger.SetLevel(log.DEBUG)
	}

	srv := newServer(*path, *tick, *speed)

	l, err := net.Listen("tcp", *listen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen: %v\n", err)
		os.Exit(1)
	}
	httpSrv := &http.Server{Handler: srv, ReadHeaderTimeout: 10 * time.Second}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		httpSrv.Shutdown(ctx)
	}()

	logger.WithFields(log.Fields{"addr": l.Addr().String(), "path": *path}).Info("mock stage listening")
	if err := httpSrv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		os.Exit(1)
	}
	srv.Close()
	logger.WithField("state", srv.dev.String()).Info("stopped")
}

// server fans device frames out to every connected client, like the
// firmware's WebSocket broadcast.
type server struct {
	path     string
	upgrader websocket.Upgrader
	dev      *device
	log      *log.Logger

	// mu also serialises writes; a gorilla conn allows one writer.
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func newServer(path string, tick time.Duration, speed float64) *server {
	s := &server{
		path:     path,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		log:      log.GetLogger("mock-esp32"),
		clients:  make(map[*websocket.Conn]struct{}),
	}
	s.dev = newDevice(s.broadcast, tick, speed)
	return s
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.path {
		http.NotFound(w, r)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("upgrade failed")
		return
	}
	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()
	s.log.WithField("remote", r.RemoteAddr).Info("client connected")

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
		s.log.WithField("remote", r.RemoteAddr).Info("client disconnected")
	}()

	lb := protocol.NewLineBuffer(protocol.DefaultMaxLine)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		// Clients may or may not terminate a message with a newline.
		if len(data) > 0 && data[len(data)-1] != protocol.Delimiter {
			data = append(data, protocol.Delimiter)
		}
		lines, err := lb.Feed(data)
		if err != nil {
			s.log.WithError(err).Warn("dropping oversized line")
		}
		for _, line := range lines {
			s.dev.Handle(string(line))
		}
	}
}

func (s *server) broadcast(f protocol.Frame) {
	msg := []byte(f.String())
	s.log.WithField("frame", f.String()).Debug("send")

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			s.log.WithError(err).Debug("write failed")
		}
	}
}

func (s *server) Close() {
	s.dev.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		conn.Close()
	}
}
