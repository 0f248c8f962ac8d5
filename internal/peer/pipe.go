package peer

import (
	"encoding/json"
	"fmt"
	"sync"
)

// MemLink is an in-memory Link used by tests and the offline demo. A pair
// shares a pipe: Send on one end invokes OnData on the other. The signal
// round trip mirrors WSLink so the session coordinator drives both the same
// way.
type MemLink struct {
	isInitiator bool
	instanceID  string
	remote      *MemLink

	mu    sync.Mutex
	state LinkState

	onSignal  func(json.RawMessage)
	onConnect func()
	onData    func([]byte)
	onError   func(error)

	connectOnce sync.Once
}

// NewMemPair returns the two ends of an in-memory link.
func NewMemPair(initiatorID, responderID string) (*MemLink, *MemLink) {
	a := &MemLink{isInitiator: true, instanceID: initiatorID, state: StateCreated}
	b := &MemLink{isInitiator: false, instanceID: responderID, state: StateCreated}
	a.remote = b
	b.remote = a
	return a, b
}

func (l *MemLink) OnSignal(cb func(json.RawMessage)) { l.onSignal = cb }
func (l *MemLink) OnConnect(cb func())               { l.onConnect = cb }
func (l *MemLink) OnData(cb func([]byte))            { l.onData = cb }
func (l *MemLink) OnError(cb func(error))            { l.onError = cb }

func (l *MemLink) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start emits the offer signal on the initiator end.
func (l *MemLink) Start() error {
	if !l.isInitiator {
		return nil
	}
	l.setState(StateSignalGenerated)
	sig, _ := json.Marshal(wireSignal{InstanceID: l.instanceID})
	if l.onSignal != nil {
		l.onSignal(sig)
	}
	return nil
}

// ConsumeSignal connects the pipe. The responder end connects both sides and
// emits the answer; the initiator end just records it.
func (l *MemLink) ConsumeSignal(signal json.RawMessage) error {
	var sig wireSignal
	if err := json.Unmarshal(signal, &sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignal, err)
	}

	switch l.State() {
	case StateClosed:
		return ErrLinkClosed
	case StateConnected, StateDataFlowing:
		// Answer scanned after the pipe already connected; nothing to do.
		return nil
	}
	l.setState(StateSignalConsumed)

	if l.isInitiator {
		return nil
	}

	answer, _ := json.Marshal(wireSignal{InstanceID: l.instanceID, Accepted: true})
	if l.onSignal != nil {
		l.onSignal(answer)
	}

	// Both ends must be Connected before either callback runs, otherwise a
	// callback's reply races the other end's state change.
	l.setState(StateConnected)
	l.remote.setState(StateConnected)
	l.fireConnect()
	l.remote.fireConnect()
	return nil
}

func (l *MemLink) fireConnect() {
	l.connectOnce.Do(func() {
		if l.onConnect != nil {
			l.onConnect()
		}
	})
}

// Send delivers data to the other end on a fresh goroutine, matching the
// asynchronous delivery of the websocket link.
func (l *MemLink) Send(data []byte) error {
	l.mu.Lock()
	ok := l.state == StateConnected || l.state == StateDataFlowing
	if ok {
		l.state = StateDataFlowing
	}
	remote := l.remote
	l.mu.Unlock()

	if !ok {
		return ErrLinkClosed
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	go func() {
		if remote.State() == StateClosed {
			return
		}
		if remote.onData != nil {
			remote.onData(buf)
		}
	}()
	return nil
}

// Close closes this end. The other end keeps its state and fails on next Send.
func (l *MemLink) Close() error {
	l.setState(StateClosed)
	return nil
}

func (l *MemLink) setState(s LinkState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed && s != StateClosed {
		return
	}
	l.state = s
}
