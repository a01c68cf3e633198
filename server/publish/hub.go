package publish

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/camnode/server/acquire"
	"github.com/cyclopcam/camnode/server/calibration"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
)

// Number of frames that we will buffer for each client, before dropping frames to it.
// This is the same as the queue size of the ROS image publisher.
const ClientQueueSize = 10

// Hub fans frames out to websocket clients, and remembers the latest frame
type Hub struct {
	log logs.Log

	mu      sync.Mutex
	clients map[*client]bool
	latest  *Packet

	nPublished atomic.Int64
	nextID     atomic.Int64
}

func NewHub(log logs.Log) *Hub {
	return &Hub{
		log:     log,
		clients: map[*client]bool{},
	}
}

// Publish never blocks on clients. A client whose queue is full misses this frame.
func (h *Hub) Publish(frame *acquire.Frame, info calibration.Info) error {
	pkt := NewPacket(frame, info)
	h.nPublished.Add(1)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = pkt
	for c := range h.clients {
		c.enqueue(pkt)
	}
	return nil
}

// Latest is the most recently published frame, or nil
func (h *Hub) Latest() *Packet {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest
}

// NumClients is the number of connected websocket clients
func (h *Hub) NumClients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) NumPublished() int64 {
	return h.nPublished.Load()
}

// Sent by client over websocket
type clientCommand struct {
	Command string `json:"command"` // "pause" or "resume"
}

type client struct {
	log       logs.Log
	id        int64
	encoding  string
	sendQueue chan *Packet
	paused    atomic.Bool

	// Only touched by the publishing goroutine
	nSent       int64
	nDropped    int64
	lastDropMsg time.Time
}

func (c *client) enqueue(pkt *Packet) {
	if c.paused.Load() {
		return
	}
	select {
	case c.sendQueue <- pkt:
		c.nSent++
	default:
		c.nDropped++
		now := time.Now()
		if now.Sub(c.lastDropMsg) > 5*time.Second {
			c.log.Infof("Client %v: dropped %v/%v frames", c.id, c.nDropped, c.nDropped+c.nSent)
			c.lastDropMsg = now
		}
	}
}

// Run streams frames to conn until the client goes away. It blocks, and closes conn before returning.
// Each frame is a text message (Header as JSON), followed by a binary message with the pixels.
func (h *Hub) Run(conn *websocket.Conn, encoding string) {
	if encoding != EncodingJPEG {
		encoding = EncodingBGR8
	}
	c := &client{
		id:        h.nextID.Add(1),
		log:       h.log,
		encoding:  encoding,
		sendQueue: make(chan *Packet, ClientQueueSize),
	}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	h.log.Infof("Client %v connected (%v), encoding %v", c.id, conn.RemoteAddr(), encoding)

	readerDone := make(chan struct{})
	go c.reader(conn, readerDone)
	writerDone := make(chan struct{})
	go func() {
		c.writer(conn)
		close(writerDone)
	}()

	select {
	case <-readerDone:
	case <-writerDone:
	}

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	// No more enqueues can happen now, so it's safe to close the queue
	close(c.sendQueue)
	conn.Close()
	<-writerDone
	<-readerDone
	h.log.Infof("Client %v disconnected", c.id)
}

// Read from the websocket until it closes. The only thing that clients send is pause/resume.
func (c *client) reader(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		cmd := clientCommand{}
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.log.Infof("Client %v sent invalid JSON: %v", c.id, err)
			continue
		}
		switch cmd.Command {
		case "pause":
			c.paused.Store(true)
		case "resume":
			c.paused.Store(false)
		default:
			c.log.Infof("Unknown websocket command from client %v: '%v'", c.id, cmd.Command)
		}
	}
}

// Write frames on a separate goroutine, so that a slow client only ever fills its own queue
func (c *client) writer(conn *websocket.Conn) {
	for pkt := range c.sendQueue {
		if c.paused.Load() {
			continue
		}
		if err := c.send(conn, pkt); err != nil {
			c.log.Infof("Error writing to client %v: %v", c.id, err)
			// Wake up the reader, and drain the queue until Run closes it
			conn.Close()
			for range c.sendQueue {
			}
			return
		}
	}
}

func (c *client) send(conn *websocket.Conn, pkt *Packet) error {
	payload, err := pkt.Payload(c.encoding)
	if err != nil {
		return fmt.Errorf("encode %v: %w", c.encoding, err)
	}
	header, err := json.Marshal(pkt.Header(c.encoding))
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, header); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, payload)
}
