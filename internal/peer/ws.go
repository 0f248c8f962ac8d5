package peer

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Batches are chunk-framed by
	// the reconcile engine well below this.
	maxMessageSize = 4 * 1024 * 1024 // 4MB

	dialTimeout = 8 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The listener only exists during a handshake and the token gate does
	// the real admission control.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wireSignal is the opaque signal payload carried through the manual
// transport. The initiator's offer signal advertises where to connect; the
// responder's answer signal confirms who connected.
type wireSignal struct {
	Addrs      []string `json:"addrs,omitempty"`
	Port       int      `json:"port,omitempty"`
	Token      string   `json:"token,omitempty"`
	InstanceID string   `json:"instance_id"`
	Accepted   bool     `json:"accepted,omitempty"`
}

// LinkConfig configures a websocket link.
type LinkConfig struct {
	SessionID  string
	InstanceID string
	StoreKey   string
	Port       int // initiator listen port, 0 for ephemeral
}

// WSLink implements Link over a LAN websocket. The initiator opens a
// listener and emits a single offer signal; the responder consumes it, dials
// with the session token and emits a single answer signal. One signal round
// per side is all this primitive needs.
type WSLink struct {
	isInitiator bool
	cfg         LinkConfig

	mu           sync.Mutex
	state        LinkState
	conn         *websocket.Conn
	listener     net.Listener
	server       *http.Server
	peerInstance string

	onSignal  func(json.RawMessage)
	onConnect func()
	onData    func([]byte)
	onError   func(error)

	connectOnce sync.Once
	closeOnce   sync.Once
	send        chan []byte
	done        chan struct{}
}

// NewWSLink creates a link for one side of a session.
func NewWSLink(isInitiator bool, cfg LinkConfig) *WSLink {
	return &WSLink{
		isInitiator: isInitiator,
		cfg:         cfg,
		state:       StateCreated,
		send:        make(chan []byte, 16),
		done:        make(chan struct{}),
	}
}

func (l *WSLink) OnSignal(cb func(json.RawMessage)) { l.onSignal = cb }
func (l *WSLink) OnConnect(cb func())               { l.onConnect = cb }
func (l *WSLink) OnData(cb func([]byte))            { l.onData = cb }
func (l *WSLink) OnError(cb func(error))            { l.onError = cb }

// State returns the current lifecycle state.
func (l *WSLink) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// PeerInstance returns the remote terminal's instance id, known after the
// answer signal (initiator) or the offer signal (responder).
func (l *WSLink) PeerInstance() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peerInstance
}

// Start begins negotiation. On the initiator it opens the LAN listener and
// emits the offer signal; on the responder it is a no-op until the offer
// arrives via ConsumeSignal.
func (l *WSLink) Start() error {
	if !l.isInitiator {
		return nil
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", l.cfg.Port))
	if err != nil {
		return fmt.Errorf("peer: listen: %w", err)
	}

	token, err := MintLinkToken(l.cfg.StoreKey, l.cfg.SessionID, l.cfg.InstanceID)
	if err != nil {
		listener.Close()
		return err
	}

	port := listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/link", l.serveLink)
	server := &http.Server{Handler: mux}

	l.mu.Lock()
	l.listener = listener
	l.server = server
	l.state = StateSignalGenerated
	l.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			l.fail(fmt.Errorf("peer: listener: %w", err))
		}
	}()

	sig, _ := json.Marshal(wireSignal{
		Addrs:      lanAddrs(),
		Port:       port,
		Token:      token,
		InstanceID: l.cfg.InstanceID,
	})

	log.Printf("🔗 Peer link listening on port %d", port)
	if l.onSignal != nil {
		l.onSignal(sig)
	}
	return nil
}

// serveLink accepts the responder's connection on the initiator side.
func (l *WSLink) serveLink(w http.ResponseWriter, r *http.Request) {
	claims, err := VerifyLinkToken(l.cfg.StoreKey, r.URL.Query().Get("token"))
	if err != nil || claims.SessionID != l.cfg.SessionID {
		log.Printf("🚫 Peer link: rejected connection with bad token from %s", r.RemoteAddr)
		http.Error(w, "invalid link token", http.StatusUnauthorized)
		return
	}

	l.mu.Lock()
	if l.conn != nil || l.state == StateClosed {
		l.mu.Unlock()
		http.Error(w, "link already bound", http.StatusConflict)
		return
	}
	l.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Peer link upgrade failed: %v", err)
		return
	}

	l.bind(conn, claims.InstanceID)
}

// ConsumeSignal feeds the remote signal in. The responder dials the
// initiator's listener; the initiator records the answer.
func (l *WSLink) ConsumeSignal(signal json.RawMessage) error {
	var sig wireSignal
	if err := json.Unmarshal(signal, &sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignal, err)
	}

	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	if l.state == StateCreated || l.state == StateSignalGenerated {
		l.state = StateSignalConsumed
	}
	l.mu.Unlock()

	if l.isInitiator {
		// Answer: the connection itself arrives through the listener, the
		// signal just names who we expect.
		l.mu.Lock()
		if l.peerInstance == "" {
			l.peerInstance = sig.InstanceID
		}
		l.mu.Unlock()
		return nil
	}

	return l.dial(sig)
}

// dial connects the responder to the initiator, trying each advertised
// address in turn.
func (l *WSLink) dial(sig wireSignal) error {
	if sig.Token == "" || sig.Port == 0 || len(sig.Addrs) == 0 {
		return fmt.Errorf("%w: offer signal missing connection data", ErrBadSignal)
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}

	var lastErr error
	for _, addr := range sig.Addrs {
		u := url.URL{
			Scheme:   "ws",
			Host:     fmt.Sprintf("%s:%d", addr, sig.Port),
			Path:     "/link",
			RawQuery: "token=" + url.QueryEscape(sig.Token),
		}
		conn, _, err := dialer.Dial(u.String(), nil)
		if err != nil {
			lastErr = err
			continue
		}

		l.bind(conn, sig.InstanceID)

		// Answer signal travels back over the manual transport so the
		// human flow stays symmetric even though the channel is up.
		answer, _ := json.Marshal(wireSignal{
			InstanceID: l.cfg.InstanceID,
			Accepted:   true,
		})
		if l.onSignal != nil {
			l.onSignal(answer)
		}
		return nil
	}

	return fmt.Errorf("%w: could not reach peer at %v: %v", ErrBadSignal, sig.Addrs, lastErr)
}

// bind attaches an established websocket and fires connect exactly once.
func (l *WSLink) bind(conn *websocket.Conn, peerInstance string) {
	l.mu.Lock()
	l.conn = conn
	l.peerInstance = peerInstance
	l.state = StateConnected
	l.mu.Unlock()

	go l.writePump(conn)
	go l.readPump(conn)

	l.connectOnce.Do(func() {
		log.Printf("🤝 Peer link connected to %s", peerInstance)
		if l.onConnect != nil {
			l.onConnect()
		}
	})
}

// Send transmits one payload after connect.
func (l *WSLink) Send(data []byte) error {
	l.mu.Lock()
	state := l.state
	l.mu.Unlock()

	if state != StateConnected && state != StateDataFlowing {
		return ErrLinkClosed
	}

	select {
	case l.send <- data:
		return nil
	case <-l.done:
		return ErrLinkClosed
	}
}

func (l *WSLink) readPump(conn *websocket.Conn) {
	defer l.Close()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			// fail is a no-op once this side already closed, so a clean
			// local shutdown never surfaces as an error.
			l.fail(fmt.Errorf("peer: read: %w", err))
			return
		}

		l.mu.Lock()
		if l.state == StateConnected {
			l.state = StateDataFlowing
		}
		l.mu.Unlock()

		if l.onData != nil {
			l.onData(message)
		}
	}
}

func (l *WSLink) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message := <-l.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				l.fail(fmt.Errorf("peer: write: %w", err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-l.done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (l *WSLink) fail(err error) {
	l.mu.Lock()
	closed := l.state == StateClosed
	l.mu.Unlock()
	if closed {
		return
	}
	if l.onError != nil {
		l.onError(err)
	}
	l.Close()
}

// Close tears down listener and connection. Idempotent.
func (l *WSLink) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.state = StateClosed
		conn := l.conn
		server := l.server
		l.mu.Unlock()

		close(l.done)
		if server != nil {
			server.Close()
		}
		if conn != nil {
			conn.Close()
		}
	})
	return nil
}

// lanAddrs returns this machine's private IPv4 addresses, the candidates the
// responder will try to dial.
func lanAddrs() []string {
	addrs := make([]string, 0, 2)
	ifaces, err := net.Interfaces()
	if err != nil {
		return addrs
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		ifAddrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range ifAddrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil || !ip.IsPrivate() {
				continue
			}
			addrs = append(addrs, ip.String())
		}
	}
	if len(addrs) == 0 {
		addrs = append(addrs, "127.0.0.1")
	}
	return addrs
}
