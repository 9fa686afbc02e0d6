// Package sse fans emitted events out to connected event-stream
// clients.
package sse

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/veille-labs/courant/pkg/models"
)

// writeTimeout bounds a single client write so a stale connection
// cannot block the broadcast.
var writeTimeout = 2 * time.Second

// Client is one connected event-stream consumer.
type Client struct {
	Writer  http.ResponseWriter
	Flusher http.Flusher
	Done    chan struct{}
	ID      string
}

// Broadcaster delivers events to every connected client. It also
// satisfies the publisher contract, so the detector can feed it
// directly.
type Broadcaster struct {
	clients map[string]*Client
	mu      sync.RWMutex
	nextID  int
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[string]*Client)}
}

// AddClient registers a connection. Fails when the response writer
// cannot stream.
func (b *Broadcaster) AddClient(w http.ResponseWriter) (*Client, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	b.mu.Lock()
	b.nextID++
	client := &Client{
		ID:      fmt.Sprintf("client-%d", b.nextID),
		Writer:  w,
		Flusher: flusher,
		Done:    make(chan struct{}),
	}
	b.clients[client.ID] = client
	total := len(b.clients)
	b.mu.Unlock()

	log.Debug().Str("client_id", client.ID).Int("clients", total).Msg("stream client connected")
	return client, nil
}

// RemoveClient detaches a connection.
func (b *Broadcaster) RemoveClient(client *Client) {
	b.mu.Lock()
	delete(b.clients, client.ID)
	total := len(b.clients)
	b.mu.Unlock()

	select {
	case <-client.Done:
	default:
		close(client.Done)
	}
	log.Debug().Str("client_id", client.ID).Int("clients", total).Msg("stream client disconnected")
}

func (b *Broadcaster) removeByID(id string) {
	b.mu.Lock()
	client, ok := b.clients[id]
	if ok {
		delete(b.clients, id)
	}
	b.mu.Unlock()
	if ok {
		select {
		case <-client.Done:
		default:
			close(client.Done)
		}
	}
}

// Publish implements the event publisher contract.
func (b *Broadcaster) Publish(_ context.Context, ev *models.Event) error {
	b.Broadcast(ev)
	return nil
}

// Close implements the event publisher contract. Connections are owned
// by their handlers, so there is nothing to release.
func (b *Broadcaster) Close() error { return nil }

// Broadcast frames the event and writes it to every client. Clients
// whose writes fail or time out are dropped.
func (b *Broadcaster) Broadcast(ev *models.Event) {
	frame, err := Frame(ev)
	if err != nil {
		log.Error().Err(err).Str("uid", ev.UID).Msg("failed to frame event")
		return
	}

	b.mu.RLock()
	clients := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()
	if len(clients) == 0 {
		return
	}

	dead := make(chan string, len(clients))
	var wg sync.WaitGroup
	for _, c := range clients {
		select {
		case <-c.Done:
			continue
		default:
		}
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			b.write(c, frame, dead)
		}(c)
	}
	wg.Wait()
	close(dead)

	for id := range dead {
		b.removeByID(id)
	}
}

func (b *Broadcaster) write(client *Client, frame []byte, dead chan<- string) {
	// The write goroutine reports through a buffered channel so a
	// result landing after the timeout never blocks, and only this
	// function sends on dead.
	result := make(chan error, 1)
	go func() {
		_, err := client.Writer.Write(frame)
		if err == nil {
			client.Flusher.Flush()
		}
		result <- err
	}()

	select {
	case err := <-result:
		if err != nil {
			log.Debug().Str("client_id", client.ID).Err(err).Msg("stream write failed")
			dead <- client.ID
		}
	case <-time.After(writeTimeout):
		log.Warn().Str("client_id", client.ID).Msg("stream write timed out")
		dead <- client.ID
	case <-client.Done:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Frame renders one event as an SSE frame. The id line carries the
// event's row id, which doubles as the stream resume cursor.
func Frame(ev *models.Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("id: %d\ndata: %s\n\n", ev.ID, payload)), nil
}
