// Package session drives the manual handshake between two terminals: one
// Initiator (Admin/Host) showing an offer code, one Responder (Staff)
// scanning it and showing an answer code back. The coordinator sequences
// the exchange, feeds payloads into the peer link, and hands completed
// batches to the reconciliation engine.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kasipos/kasipos/internal/codec"
	"github.com/kasipos/kasipos/internal/database"
	"github.com/kasipos/kasipos/internal/models"
	"github.com/kasipos/kasipos/internal/peer"
	"github.com/kasipos/kasipos/internal/reconcile"
	"github.com/kasipos/kasipos/internal/signal"
	"github.com/kasipos/kasipos/internal/utils"
)

// Config holds the coordinator's wiring.
type Config struct {
	TerminalRole string // "host" or "staff", decides batch contents
	InstanceID   string
	StoreKey     string
	PeerPort     int
	ScanInterval time.Duration

	Camera   signal.Camera
	Detector signal.CodeDetector

	// NewLink overrides link construction; tests inject in-memory links.
	NewLink func(isInitiator bool, sessionID string) peer.Link
}

// linkMsg is the framing used on the data channel once connected.
type linkMsg struct {
	Type    string            `json:"type"` // batch, report
	Batch   *reconcile.Batch  `json:"batch,omitempty"`
	Report  *reconcile.Report `json:"report,omitempty"`
	SaleIDs []string          `json:"sale_ids,omitempty"`
}

// Coordinator is the handshake state machine. All mutation happens behind
// one mutex; callbacks from the link and scanner re-enter through exported
// methods that take it themselves.
type Coordinator struct {
	cfg    Config
	db     *database.DB
	engine *reconcile.Engine

	mu          sync.Mutex
	status      Status
	link        peer.Link
	scanCancel  context.CancelFunc
	startedAt   time.Time
	sessionDone bool

	// live gating: both must be true before the session is Live
	appliedRemote bool
	ackedLocal    bool
	report        reconcile.Report
	peerInstance  string

	subscribers []func(Status)
}

// NewCoordinator creates an idle coordinator.
func NewCoordinator(db *database.DB, engine *reconcile.Engine, cfg Config) *Coordinator {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 300 * time.Millisecond
	}
	c := &Coordinator{
		cfg:    cfg,
		db:     db,
		engine: engine,
		status: Status{State: StateIdle},
	}
	if c.cfg.NewLink == nil {
		c.cfg.NewLink = func(isInitiator bool, sessionID string) peer.Link {
			return peer.NewWSLink(isInitiator, peer.LinkConfig{
				SessionID:  sessionID,
				InstanceID: cfg.InstanceID,
				StoreKey:   cfg.StoreKey,
				Port:       cfg.PeerPort,
			})
		}
	}
	return c
}

// Subscribe registers a status observer. Every transition is pushed.
func (c *Coordinator) Subscribe(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

// Status returns the current snapshot.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// StartInitiator begins a Host-side session: fresh session id, initiator
// link, offer rendered as a code.
func (c *Coordinator) StartInitiator() error {
	c.mu.Lock()
	if c.status.State != StateIdle && c.status.State != StateFailed {
		c.mu.Unlock()
		return fmt.Errorf("session: already in state %s, cancel first", c.status.State)
	}
	sid := utils.NewSessionID()
	c.resetLocked(Status{State: StateGenerating, Role: RoleInitiator, SessionID: sid})
	link := c.cfg.NewLink(true, sid)
	c.link = link
	c.startedAt = time.Now().UTC()
	c.mu.Unlock()

	c.publish()
	c.wireLink(link, sid, KindOffer, StateShowingOffer)

	if err := link.Start(); err != nil {
		c.failWith(fmt.Sprintf("Could not open the peer link: %v. Retry, or use text sync instead.", err))
		return err
	}
	return nil
}

// StartResponder begins a Staff-side session: scan (or paste) the Host's
// offer. No session id exists yet; it arrives inside the offer.
func (c *Coordinator) StartResponder() error {
	c.mu.Lock()
	if c.status.State != StateIdle && c.status.State != StateFailed {
		c.mu.Unlock()
		return fmt.Errorf("session: already in state %s, cancel first", c.status.State)
	}
	c.resetLocked(Status{State: StateScanningForOffer, Role: RoleResponder})
	c.startedAt = time.Now().UTC()
	c.mu.Unlock()

	c.publish()
	c.startScanning()
	return nil
}

// BeginScan moves an Initiator from showing its offer to scanning for the
// answer. Responders start scanning automatically.
func (c *Coordinator) BeginScan() error {
	c.mu.Lock()
	if c.status.State != StateShowingOffer {
		state := c.status.State
		c.mu.Unlock()
		return fmt.Errorf("session: cannot scan from state %s", state)
	}
	c.status.State = StateScanningForAnswer
	c.mu.Unlock()

	c.publish()
	c.startScanning()
	return nil
}

// startScanning runs the camera loop, feeding each detected code through
// SubmitPayload. Camera failure is not fatal: the status carries the error
// and the operator falls back to pasting text.
func (c *Coordinator) startScanning() {
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.scanCancel != nil {
		c.scanCancel()
	}
	c.scanCancel = cancel
	camera, detector := c.cfg.Camera, c.cfg.Detector
	c.mu.Unlock()

	if camera == nil || detector == nil {
		c.setCameraError("No camera configured on this terminal. Paste the sync code instead.")
		return
	}

	scanner := signal.NewScanner(camera, detector, c.cfg.ScanInterval)
	codes, err := scanner.Run(ctx)
	if err != nil {
		if errors.Is(err, signal.ErrCameraUnavailable) {
			c.setCameraError("Camera unavailable. Paste the sync code from the other terminal instead.")
		} else {
			c.setCameraError(fmt.Sprintf("Scanner failed: %v. Paste the sync code instead.", err))
		}
		return
	}

	go func() {
		for code := range codes {
			// Cameras pick up barcodes and random QR codes too; only framed
			// payloads are worth parsing.
			if !codec.IsFramed(code) {
				continue
			}
			if err := c.SubmitPayload(code); err != nil && !errors.Is(err, codec.ErrDecode) {
				log.Printf("⚠️ Scanned payload rejected: %v", err)
			}
		}
	}()
}

func (c *Coordinator) setCameraError(msg string) {
	c.mu.Lock()
	c.status.CameraError = msg
	c.mu.Unlock()
	c.publish()
}

// SubmitPayload accepts a scanned code or pasted text. Both paths are
// identical from here on: extract the blob, parse the envelope, route it by
// kind. Envelopes for foreign or spent sessions are ignored, not errors.
func (c *Coordinator) SubmitPayload(text string) error {
	blob, err := signal.ImportText(text)
	if err != nil {
		return err
	}
	env, err := ParseEnvelope(blob)
	if err != nil {
		return err
	}
	return c.handleEnvelope(env)
}

func (c *Coordinator) handleEnvelope(env *Envelope) error {
	c.mu.Lock()
	state := c.status.State
	role := c.status.Role
	sid := c.status.SessionID
	c.mu.Unlock()

	// Spent sessions are single-use: any envelope for one is dead noise.
	if c.sessionSpent(env.SessionID) {
		log.Printf("⏭️ Ignoring envelope for spent session %s", env.SessionID)
		return nil
	}

	switch {
	case role == RoleInitiator && env.Kind == KindAnswer:
		if env.SessionID != sid {
			log.Printf("⏭️ Ignoring answer for foreign session %s", env.SessionID)
			return nil
		}
		if state != StateShowingOffer && state != StateScanningForAnswer {
			return nil
		}
		return c.consumeIntoLink(env)

	case role == RoleResponder && env.Kind == KindOffer:
		if state != StateScanningForOffer && state != StateGotOffer && state != StateShowingAnswer {
			return nil
		}
		if sid != "" && env.SessionID == sid {
			// Same offer scanned twice; the link already has it.
			return nil
		}
		return c.acceptOffer(env)

	default:
		// Initiator scanning its own offer off the screen, or a responder
		// seeing an answer: expected noise.
		return nil
	}
}

// acceptOffer starts (or restarts) the responder track for the offer's
// session. A second offer with a new session id abandons the first session
// and begins fresh.
func (c *Coordinator) acceptOffer(env *Envelope) error {
	c.mu.Lock()
	if c.link != nil {
		log.Printf("🔁 New offer %s received, abandoning session %s", env.SessionID, c.status.SessionID)
		c.link.Close()
		c.link = nil
	}
	c.status.SessionID = env.SessionID
	c.status.State = StateGotOffer
	c.status.Code = ""
	c.appliedRemote = false
	c.ackedLocal = false
	c.report = reconcile.Report{}
	c.sessionDone = false
	c.peerInstance = ""
	link := c.cfg.NewLink(false, env.SessionID)
	c.link = link
	c.mu.Unlock()

	c.publish()
	c.wireLink(link, env.SessionID, KindAnswer, StateShowingAnswer)

	if err := link.Start(); err != nil {
		c.failWith(fmt.Sprintf("Could not start the peer link: %v. Rescan the code to retry.", err))
		return err
	}
	if err := link.ConsumeSignal(env.Signal); err != nil {
		c.failWith(fmt.Sprintf("Could not reach the host terminal: %v. Make sure both terminals share the same WiFi, then rescan.", err))
		return err
	}
	return nil
}

// consumeIntoLink feeds a matching answer envelope to the initiator's link.
func (c *Coordinator) consumeIntoLink(env *Envelope) error {
	c.mu.Lock()
	link := c.link
	if c.status.State != StateLive && !c.sessionDone {
		c.status.State = StateConnecting
	}
	c.mu.Unlock()
	c.publish()

	if link == nil {
		return nil
	}
	if err := link.ConsumeSignal(env.Signal); err != nil {
		c.failWith(fmt.Sprintf("Peer answer could not be used: %v. Rescan, or restart the sync.", err))
		return err
	}
	return nil
}

// wireLink registers all link callbacks for one session. The link's signal
// fragments are framed into exactly one logical envelope per side.
func (c *Coordinator) wireLink(link peer.Link, sid string, kind EnvelopeKind, showState State) {
	framed := false

	link.OnSignal(func(sig json.RawMessage) {
		c.mu.Lock()
		if framed || c.status.SessionID != sid {
			c.mu.Unlock()
			return
		}
		framed = true
		c.mu.Unlock()

		blob, err := FrameEnvelope(Envelope{Kind: kind, SessionID: sid, Signal: sig})
		if err != nil {
			c.failWith(fmt.Sprintf("Could not build the sync code: %v", err))
			return
		}

		c.mu.Lock()
		// Don't regress out of the connecting tail if connect won the race.
		if c.status.State != StateConnecting && c.status.State != StateLive {
			c.status.State = showState
		}
		c.status.Code = blob
		c.mu.Unlock()
		c.publish()
	})

	link.OnConnect(func() {
		c.onLinkConnect(sid)
	})

	link.OnData(func(data []byte) {
		c.onLinkData(sid, data)
	})

	link.OnError(func(err error) {
		c.mu.Lock()
		stale := c.status.SessionID != sid || c.sessionDone
		c.mu.Unlock()
		if stale {
			return
		}
		c.failWith(fmt.Sprintf("Peer connection failed: %v. Retry, or use text sync.", err))
	})
}

// onLinkConnect sends this terminal's outbound batch. Live waits until the
// batch exchange completes in both directions.
func (c *Coordinator) onLinkConnect(sid string) {
	c.mu.Lock()
	if c.status.SessionID != sid {
		c.mu.Unlock()
		return
	}
	c.stopScanLocked()
	c.status.State = StateConnecting
	c.status.Code = ""
	link := c.link
	if ident, ok := link.(interface{ PeerInstance() string }); ok {
		c.peerInstance = ident.PeerInstance()
	}
	c.mu.Unlock()
	c.publish()

	batch, err := c.engine.BuildOutboundBatch(c.cfg.TerminalRole)
	if err != nil {
		c.failWith(fmt.Sprintf("Could not assemble local changes: %v", err))
		return
	}

	payload, err := json.Marshal(linkMsg{Type: "batch", Batch: batch})
	if err != nil {
		c.failWith(fmt.Sprintf("Could not encode local changes: %v", err))
		return
	}
	if err := link.Send(payload); err != nil {
		c.failWith(fmt.Sprintf("Could not send local changes: %v. Retry the sync.", err))
	}
}

// onLinkData handles the two data-channel message types.
func (c *Coordinator) onLinkData(sid string, data []byte) {
	c.mu.Lock()
	if c.status.SessionID != sid || c.sessionDone {
		c.mu.Unlock()
		return
	}
	link := c.link
	c.mu.Unlock()

	var msg linkMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("⚠️ Unreadable message on peer link: %v", err)
		return
	}

	switch msg.Type {
	case "batch":
		if msg.Batch == nil {
			return
		}
		report, err := c.engine.ApplyBatch(msg.Batch)
		if err != nil {
			c.failWith(fmt.Sprintf("Merging peer data failed: %v. Local data is unchanged; retry the sync.", err))
			return
		}

		seen := make([]string, 0)
		for _, d := range msg.Batch.Deltas {
			if d.Kind == reconcile.DeltaSale && d.Sale != nil {
				seen = append(seen, d.Sale.SaleID)
			}
		}

		c.mu.Lock()
		c.report.Merge(report)
		c.appliedRemote = true
		c.mu.Unlock()

		ack, _ := json.Marshal(linkMsg{Type: "report", Report: report, SaleIDs: seen})
		if link != nil {
			if err := link.Send(ack); err != nil {
				log.Printf("⚠️ Could not acknowledge peer batch: %v", err)
			}
		}
		c.maybeLive()

	case "report":
		// Peer confirmed our batch: everything it saw (applied or already
		// known) is safely on its side.
		if err := c.engine.MarkSalesSynced(msg.SaleIDs); err != nil {
			log.Printf("⚠️ Could not mark sales synced: %v", err)
		}
		c.mu.Lock()
		c.ackedLocal = true
		c.mu.Unlock()
		c.maybeLive()

	default:
		log.Printf("⏭️ Unknown peer message type %q", msg.Type)
	}
}

// maybeLive promotes to Live once a batch has been exchanged both ways.
func (c *Coordinator) maybeLive() {
	c.mu.Lock()
	if c.sessionDone || !c.appliedRemote || !c.ackedLocal {
		c.mu.Unlock()
		return
	}
	c.sessionDone = true
	c.status.State = StateLive
	report := c.report
	c.status.Report = &report
	sid := c.status.SessionID
	role := c.status.Role
	c.mu.Unlock()

	c.recordSession(sid, string(role), "live", &report)
	log.Printf("🎉 Session %s live: %d applied, %d duplicates skipped", sid, report.Applied, report.SkippedDuplicate)
	c.publish()
}

// Cancel tears everything down from any state: scanner stopped, camera
// released, link closed, session id spent. Always safe - merges are atomic
// and only run on complete batches, so local data is never half-written.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	c.stopScanLocked()
	link := c.link
	c.link = nil
	sid := c.status.SessionID
	role := c.status.Role
	alreadyDone := c.sessionDone
	c.sessionDone = true
	c.status = Status{State: StateIdle}
	c.mu.Unlock()

	if link != nil {
		link.Close()
	}
	if sid != "" && !alreadyDone {
		c.recordSession(sid, string(role), "cancelled", nil)
	}
	c.publish()
}

// failWith surfaces an actionable failure and spends the session.
func (c *Coordinator) failWith(msg string) {
	c.mu.Lock()
	if c.sessionDone {
		c.mu.Unlock()
		return
	}
	c.stopScanLocked()
	link := c.link
	c.link = nil
	sid := c.status.SessionID
	role := c.status.Role
	c.sessionDone = true
	c.status.State = StateFailed
	c.status.Err = msg
	c.status.Code = ""
	c.mu.Unlock()

	if link != nil {
		link.Close()
	}
	if sid != "" {
		c.recordSession(sid, string(role), "failed", nil)
	}
	log.Printf("🔴 Sync session failed: %s", msg)
	c.publish()
}

func (c *Coordinator) stopScanLocked() {
	if c.scanCancel != nil {
		c.scanCancel()
		c.scanCancel = nil
	}
}

func (c *Coordinator) resetLocked(next Status) {
	c.stopScanLocked()
	if c.link != nil {
		c.link.Close()
		c.link = nil
	}
	c.appliedRemote = false
	c.ackedLocal = false
	c.sessionDone = false
	c.report = reconcile.Report{}
	c.peerInstance = ""
	c.status = next
}

// publish pushes the current snapshot to every subscriber, outside the lock.
func (c *Coordinator) publish() {
	c.mu.Lock()
	status := c.status
	subs := make([]func(Status), len(c.subscribers))
	copy(subs, c.subscribers)
	c.mu.Unlock()

	for _, fn := range subs {
		fn(status)
	}
}

// sessionSpent reports whether a session id already reached a terminal
// state on this terminal.
func (c *Coordinator) sessionSpent(sid string) bool {
	if c.db == nil {
		return false
	}
	var count int64
	err := c.db.Model(&models.SyncSession{}).
		Where("session_id = ? AND final_state IN ?", sid, []string{"live", "failed", "cancelled"}).
		Count(&count).Error
	if err != nil {
		// Fail closed: an unreadable audit table must not let a spent
		// session id back in.
		log.Printf("⚠️ Session audit lookup failed: %v", err)
		return true
	}
	return count > 0
}

// recordSession writes the audit row for a finished session.
func (c *Coordinator) recordSession(sid, role, finalState string, report *reconcile.Report) {
	if c.db == nil || sid == "" {
		return
	}
	now := time.Now().UTC()
	c.mu.Lock()
	peerInstance := c.peerInstance
	startedAt := c.startedAt
	c.mu.Unlock()
	row := models.SyncSession{
		SessionID:    sid,
		Role:         role,
		PeerInstance: peerInstance,
		FinalState:   finalState,
		StartedAt:    startedAt,
		EndedAt:      &now,
	}
	if report != nil {
		if raw, err := json.Marshal(report); err == nil {
			row.Report = raw
		}
	}
	if err := c.db.Where("session_id = ?", sid).
		Assign(models.SyncSession{FinalState: finalState, EndedAt: &now, Report: row.Report}).
		FirstOrCreate(&row).Error; err != nil {
		log.Printf("⚠️ Could not record sync session %s: %v", sid, err)
	}
}
