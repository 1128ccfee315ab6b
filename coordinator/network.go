package coordinator

import (
	"sync"

	"github.com/INLOpen/nexuslocal/core"
	"github.com/INLOpen/nexuslocal/reactive"
)

// Messages exchanged between instances. Instances never share memory; every
// cross-instance interaction is an envelope delivered to a mailbox, mirroring
// isolated execution contexts connected by message channels.

type envelopeKind int

const (
	kindExecRequest envelopeKind = iota
	kindQueryRequest
	kindSubscribeRequest
	kindUnsubscribeRequest
	kindResponse
	kindDelivery
	kindLeaderAnnounce
)

type envelope struct {
	kind   envelopeKind
	corrID string
	from   string

	// Request payloads.
	stmts   []core.Statement
	query   string
	args    []any
	subSpec reactive.SubscriptionSpec

	// Response payloads.
	seq  uint64
	rows core.Rows
	err  error

	// Subscription delivery.
	subID  string
	update reactive.Update

	// Leadership announcement.
	state LeaseState
}

// Network is the message fabric connecting every instance attached to one
// logical database. Sends are non-blocking against a bounded mailbox; a
// full or detached mailbox drops the envelope, and the sender's timeout
// machinery treats it like a lost message.
type Network struct {
	mu        sync.RWMutex
	mailboxes map[string]chan envelope
}

// NewNetwork creates an empty fabric.
func NewNetwork() *Network {
	return &Network{mailboxes: make(map[string]chan envelope)}
}

const mailboxDepth = 256

// Attach registers an instance and returns its mailbox.
func (n *Network) Attach(id string) chan envelope {
	mailbox := make(chan envelope, mailboxDepth)
	n.mu.Lock()
	n.mailboxes[id] = mailbox
	n.mu.Unlock()
	return mailbox
}

// Detach removes an instance. Subsequent sends to it are dropped.
func (n *Network) Detach(id string) {
	n.mu.Lock()
	delete(n.mailboxes, id)
	n.mu.Unlock()
}

// Send delivers an envelope to one instance. It reports whether the envelope
// was accepted.
func (n *Network) Send(to string, env envelope) bool {
	n.mu.RLock()
	mailbox, ok := n.mailboxes[to]
	n.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case mailbox <- env:
		return true
	default:
		return false
	}
}

// Broadcast delivers an envelope to every attached instance, including the
// sender.
func (n *Network) Broadcast(env envelope) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, mailbox := range n.mailboxes {
		select {
		case mailbox <- env:
		default:
		}
	}
}

// Size returns the number of attached instances.
func (n *Network) Size() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.mailboxes)
}
