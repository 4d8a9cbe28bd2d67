// Package connreg binds a logical device id to exactly one open duplex
// channel and exposes a typed request/response API over it, correlating
// replies by chunk id. The pending-map-plus-timeout-channel pattern is
// grounded on the teacher's internal/dht.Node.sendRPC/deliverResponse.
package connreg

import (
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/ssd-technologies/duskvault/internal/errs"
)

// Channel is the duplex transport a device is bound to. devicechannel's
// wsChannel implements it over a gorilla/websocket connection; tests substitute a
// fake.
type Channel interface {
	// Send emits a named event with a JSON-marshalable payload.
	Send(event string, payload any) error
}

// pendingWait is one in-flight request awaiting a correlated response.
type pendingWait struct {
	ch chan Event
}

// Event is an inbound device event delivered to whichever wait is
// correlated by (logicalDeviceID, chunkID, event name).
type Event struct {
	Name    string
	Success bool
	Error   string
	Data    []byte // base64-decoded payload, for chunk:data
}

// Registry tracks live channels and in-flight request/response pairs.
type Registry struct {
	mu       sync.Mutex
	channels map[string]Channel
	pending  map[string]*pendingWait // keyed by logicalDeviceID + "|" + chunkID + "|" + eventName
}

func New() *Registry {
	return &Registry{
		channels: make(map[string]Channel),
		pending:  make(map[string]*pendingWait),
	}
}

// Bind attaches a logical device id to its channel, replacing any prior
// channel for that id (a reconnect supersedes the old socket).
func (r *Registry) Bind(logicalDeviceID string, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[logicalDeviceID] = ch
}

// Unbind detaches a device's channel, e.g. on disconnect.
func (r *Registry) Unbind(logicalDeviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, logicalDeviceID)
}

func (r *Registry) key(logicalDeviceID, chunkID, event string) string {
	return logicalDeviceID + "|" + chunkID + "|" + event
}

func (r *Registry) channel(logicalDeviceID string) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[logicalDeviceID]
	return ch, ok
}

// register creates a pending wait for (device, chunk, responseEvent),
// sends outEvent with payload over the bound channel, and blocks until the
// correlated response arrives or timeout elapses.
func (r *Registry) register(logicalDeviceID, chunkID, responseEvent, outEvent string, payload any, timeout time.Duration) (Event, error) {
	ch, ok := r.channel(logicalDeviceID)
	if !ok {
		return Event{}, fmt.Errorf("%w: device %s", errs.ErrNotConnected, logicalDeviceID)
	}

	key := r.key(logicalDeviceID, chunkID, responseEvent)
	wait := &pendingWait{ch: make(chan Event, 1)}

	r.mu.Lock()
	r.pending[key] = wait
	r.mu.Unlock()

	if err := ch.Send(outEvent, payload); err != nil {
		r.mu.Lock()
		delete(r.pending, key)
		r.mu.Unlock()
		return Event{}, fmt.Errorf("%w: send %s: %v", errs.ErrNotConnected, outEvent, err)
	}

	select {
	case ev := <-wait.ch:
		return ev, nil
	case <-time.After(timeout):
		r.mu.Lock()
		delete(r.pending, key)
		r.mu.Unlock()
		return Event{}, fmt.Errorf("%w: awaiting %s for chunk %s", errs.ErrTimeout, responseEvent, chunkID)
	}
}

// Deliver routes an inbound device event to the wait it's correlated with,
// if one exists. Called by the device channel handler for every event whose
// name identifies a correlated response (chunk:confirm, chunk:data:{id},
// chunk:deleted:{id}).
func (r *Registry) Deliver(logicalDeviceID, chunkID, event string, ev Event) {
	key := r.key(logicalDeviceID, chunkID, event)

	r.mu.Lock()
	wait, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
	}
	r.mu.Unlock()

	if ok {
		wait.ch <- ev
	}
}

// ChunkAssignPayload is the chunk:assign event body.
type ChunkAssignPayload struct {
	ChunkID          string `json:"chunk_id"`
	FileID           string `json:"file_id"`
	SequenceNum      int    `json:"sequence_num"`
	SizeBytes        int64  `json:"size_bytes"`
	IV               string `json:"iv"`
	AuthTag          string `json:"auth_tag"`
	AAD              string `json:"aad"`
	Checksum         string `json:"checksum"`
	CiphertextBase64 string `json:"ciphertext_base64"`
}

// SendChunk implements SendChunk(logical_id, chunk_id, metadata, ciphertext)
// -> ack within timeout: emits chunk:assign, awaits chunk:confirm correlated
// by chunk_id.
func (r *Registry) SendChunk(logicalDeviceID string, payload ChunkAssignPayload, timeout time.Duration) error {
	ev, err := r.register(logicalDeviceID, payload.ChunkID, "chunk:confirm", "chunk:assign", payload, timeout)
	if err != nil {
		return err
	}
	if !ev.Success {
		return fmt.Errorf("%w: %s", errs.ErrDeviceRejected, ev.Error)
	}
	return nil
}

// RequestChunk implements RequestChunk(logical_id, chunk_id) -> ciphertext
// within timeout: emits chunk:request, awaits chunk:data:{chunk_id}.
func (r *Registry) RequestChunk(logicalDeviceID, chunkID string, timeout time.Duration) ([]byte, error) {
	ev, err := r.register(logicalDeviceID, chunkID, "chunk:data:"+chunkID, "chunk:request", map[string]string{"chunk_id": chunkID}, timeout)
	if err != nil {
		return nil, err
	}
	if !ev.Success {
		return nil, fmt.Errorf("%w: %s", errs.ErrDeviceRejected, ev.Error)
	}
	return ev.Data, nil
}

// DeleteChunk implements DeleteChunk(logical_id, chunk_id, reason) -> ack
// within timeout: emits chunk:delete, awaits chunk:deleted:{chunk_id}. A
// timeout resolves non-fatally: the caller marks the placement unhealthy
// rather than treating it as a hard failure.
func (r *Registry) DeleteChunk(logicalDeviceID, chunkID, reason string, timeout time.Duration) error {
	ev, err := r.register(logicalDeviceID, chunkID, "chunk:deleted:"+chunkID, "chunk:delete",
		map[string]string{"chunk_id": chunkID, "reason": reason}, timeout)
	if err != nil {
		return err
	}
	if !ev.Success {
		return fmt.Errorf("%w: %s", errs.ErrDeviceRejected, ev.Error)
	}
	return nil
}

// DecodeBase64 is a small helper devicechannel uses to turn an inbound
// data_base64 field into raw bytes before constructing an Event.
func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
