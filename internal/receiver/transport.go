package receiver

import (
	"context"
	"fmt"
	"sync"

	"github.com/dicomgw/gateway/internal/entity"
)

// StoreFunc receives one stored object's raw bytes as accepted by a
// Transport's association/negotiation layer.
type StoreFunc func(ctx context.Context, raw []byte, callingAE entity.AETitle) error

// Transport is the pluggable association/negotiation boundary for the SCP
// listener — mirrors destination.Transport: a library performs the actual
// wire handshake, accepts every storage class in the documented list plus
// every common transfer syntax, and Listener delegates the accept loop to
// one here rather than owning the protocol state machine itself.
type Transport interface {
	// Serve accepts associations for aeTitle on port until ctx is done,
	// invoking onStore for each accepted object's raw bytes. A non-nil
	// error from onStore fails only that instance's response; it must not
	// tear down the association.
	Serve(ctx context.Context, aeTitle entity.AETitle, port int, onStore StoreFunc) error
}

// ReferenceTransport is an in-process Transport stand-in for testability:
// it never opens a socket, instead delivering objects pushed via Submit.
type ReferenceTransport struct {
	mu       sync.Mutex
	incoming chan inboundObject
}

type inboundObject struct {
	raw       []byte
	callingAE entity.AETitle
}

func NewReferenceTransport() *ReferenceTransport {
	return &ReferenceTransport{incoming: make(chan inboundObject, 64)}
}

// Submit enqueues raw as though it had just been received over an
// association from callingAE.
func (t *ReferenceTransport) Submit(raw []byte, callingAE entity.AETitle) {
	t.incoming <- inboundObject{raw: raw, callingAE: callingAE}
}

func (t *ReferenceTransport) Serve(ctx context.Context, aeTitle entity.AETitle, port int, onStore StoreFunc) error {
	if aeTitle == "" {
		return fmt.Errorf("reference transport: no AE title configured")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case obj := <-t.incoming:
			_ = onStore(ctx, obj.raw, obj.callingAE)
		}
	}
}
