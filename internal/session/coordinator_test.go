package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kasipos/kasipos/internal/config"
	"github.com/kasipos/kasipos/internal/database"
	"github.com/kasipos/kasipos/internal/models"
	"github.com/kasipos/kasipos/internal/peer"
	"github.com/kasipos/kasipos/internal/reconcile"
	"github.com/kasipos/kasipos/internal/signal"
	"gorm.io/datatypes"
)

func newTestDB(t *testing.T, name string) *database.DB {
	t.Helper()

	path := fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", t.Name(), name)
	db, err := database.Connect(config.DatabaseConfig{Driver: "sqlite", Path: path})
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	err = db.AutoMigrate(
		&models.Product{},
		&models.InventoryLog{},
		&models.Sale{},
		&models.UsedReference{},
		&models.SyncSession{},
	)
	if err != nil {
		t.Fatalf("migrate test store: %v", err)
	}
	return db
}

// newTerminal builds a coordinator pair member: its own store, engine and a
// link factory handing out a pre-built in-memory link end.
func newTerminal(t *testing.T, name, role string, link peer.Link) (*Coordinator, *database.DB) {
	t.Helper()
	db := newTestDB(t, name)
	engine := reconcile.NewEngine(db, name)
	coord := NewCoordinator(db, engine, Config{
		TerminalRole: role,
		InstanceID:   name,
		StoreKey:     "test-store-key",
		NewLink:      func(bool, string) peer.Link { return link },
	})
	return coord, db
}

func waitState(t *testing.T, c *Coordinator, want State) Status {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		st := c.Status()
		if st.State == want {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, stuck at %s", want, c.Status().State)
	return Status{}
}

func waitCode(t *testing.T, c *Coordinator) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if code := c.Status().Code; code != "" {
			return code
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a handshake code")
	return ""
}

func seedCatalog(t *testing.T, db *database.DB) {
	t.Helper()
	products := []models.Product{
		{ID: "rice-2kg", Name: "Rice 2kg", Category: "staples", Price: 45, CostPrice: 38, StockQty: 20, Active: true, UpdatedAt: time.Now().UTC()},
		{ID: "cola-330", Name: "Cola 330ml", Category: "drinks", Price: 12, CostPrice: 8, StockQty: 48, Active: true, UpdatedAt: time.Now().UTC()},
	}
	for i := range products {
		if err := db.Create(&products[i]).Error; err != nil {
			t.Fatalf("seed catalog: %v", err)
		}
	}
}

func seedPendingSale(t *testing.T, db *database.DB, saleID, productID string, qty int) {
	t.Helper()
	items, _ := json.Marshal([]models.SaleItem{{ProductID: productID, Qty: qty, Price: 45}})
	sale := models.Sale{
		SaleID:        saleID,
		Items:         datatypes.JSON(items),
		TotalAmount:   45 * float64(qty),
		PaymentMethod: "cash",
		StaffName:     "Thabo",
		Timestamp:     time.Now().UTC(),
		Synced:        false,
	}
	if err := db.Create(&sale).Error; err != nil {
		t.Fatalf("seed sale: %v", err)
	}
}

func TestCoordinatorFullSession(t *testing.T) {
	a, b := peer.NewMemPair("host-1", "staff-1")
	host, hostDB := newTerminal(t, "host-1", "host", a)
	staff, staffDB := newTerminal(t, "staff-1", "staff", b)

	seedCatalog(t, hostDB)
	seedPendingSale(t, staffDB, "S20260830-abc", "rice-2kg", 2)

	// Staff needs the product locally before selling it; simulate an earlier
	// catalog push with an older timestamp.
	old := time.Now().UTC().Add(-time.Hour)
	if err := staffDB.Create(&models.Product{ID: "rice-2kg", Name: "Rice 2kg", Category: "staples", Price: 45, CostPrice: 38, StockQty: 20, Active: true, UpdatedAt: old}).Error; err != nil {
		t.Fatalf("seed staff product: %v", err)
	}

	if err := host.StartInitiator(); err != nil {
		t.Fatalf("start initiator: %v", err)
	}
	offer := waitCode(t, host)
	if !strings.Contains(offer, "KP1.") {
		t.Fatalf("offer code is not framed: %q", offer)
	}

	if err := staff.StartResponder(); err != nil {
		t.Fatalf("start responder: %v", err)
	}
	// No camera configured: paste fallback must be signalled.
	if st := staff.Status(); st.CameraError == "" {
		t.Error("expected a camera error nudging toward paste")
	}

	// The answer code is only visible while the handshake is in flight;
	// capture it as statuses stream past.
	var answerMu sync.Mutex
	var answer string
	staff.Subscribe(func(s Status) {
		if s.State == StateShowingAnswer && s.Code != "" {
			answerMu.Lock()
			answer = s.Code
			answerMu.Unlock()
		}
	})

	if err := staff.SubmitPayload(offer); err != nil {
		t.Fatalf("staff submit offer: %v", err)
	}

	hostFinal := waitState(t, host, StateLive)
	staffFinal := waitState(t, staff, StateLive)

	if hostFinal.Report == nil || hostFinal.Report.Applied == 0 {
		t.Errorf("host report missing applied deltas: %+v", hostFinal.Report)
	}
	if staffFinal.Report == nil || staffFinal.Report.Applied == 0 {
		t.Errorf("staff report missing applied deltas: %+v", staffFinal.Report)
	}

	// Staff received the Host catalog.
	var cola models.Product
	if err := staffDB.Where("id = ?", "cola-330").First(&cola).Error; err != nil {
		t.Fatalf("staff missing catalog product: %v", err)
	}

	// Host received the sale, decremented stock and logged the movement.
	var sale models.Sale
	if err := hostDB.Where("sale_id = ?", "S20260830-abc").First(&sale).Error; err != nil {
		t.Fatalf("host missing sale: %v", err)
	}
	var rice models.Product
	if err := hostDB.Where("id = ?", "rice-2kg").First(&rice).Error; err != nil {
		t.Fatalf("host missing product: %v", err)
	}
	if rice.StockQty != 18 {
		t.Errorf("host stock = %d, want 18", rice.StockQty)
	}
	var movement models.InventoryLog
	if err := hostDB.Where("reference = ?", "S20260830-abc:0").First(&movement).Error; err != nil {
		t.Fatalf("host missing implied movement: %v", err)
	}

	// The Host ack marks the staff sale synced.
	var staffSale models.Sale
	if err := staffDB.Where("sale_id = ?", "S20260830-abc").First(&staffSale).Error; err != nil {
		t.Fatalf("staff sale missing: %v", err)
	}
	if !staffSale.Synced {
		t.Error("staff sale not marked synced after host ack")
	}

	// Both sides keep an audit row.
	for name, db := range map[string]*database.DB{"host": hostDB, "staff": staffDB} {
		var row models.SyncSession
		if err := db.Where("final_state = ?", "live").First(&row).Error; err != nil {
			t.Errorf("%s has no live session row: %v", name, err)
		}
	}

	// Pasting the (now redundant) answer must not regress a live session.
	answerMu.Lock()
	lateAnswer := answer
	answerMu.Unlock()
	if lateAnswer == "" {
		t.Fatal("answer code was never published")
	}
	if err := host.SubmitPayload(lateAnswer); err != nil {
		t.Fatalf("late answer paste: %v", err)
	}
	if st := host.Status(); st.State != StateLive {
		t.Errorf("host regressed to %s after late answer paste", st.State)
	}
}

// stallLink emits an answer on ConsumeSignal but never connects, pinning
// the responder in the showing-answer state.
type stallLink struct {
	onSignal func(json.RawMessage)
	closed   bool
}

func (l *stallLink) Start() error                        { return nil }
func (l *stallLink) OnSignal(cb func(json.RawMessage))   { l.onSignal = cb }
func (l *stallLink) OnConnect(func())                    {}
func (l *stallLink) OnData(func([]byte))                 {}
func (l *stallLink) OnError(func(error))                 {}
func (l *stallLink) Send([]byte) error                   { return peer.ErrLinkClosed }
func (l *stallLink) State() peer.LinkState               { return peer.StateSignalConsumed }
func (l *stallLink) Close() error                        { l.closed = true; return nil }
func (l *stallLink) ConsumeSignal(json.RawMessage) error {
	if l.onSignal != nil {
		sig, _ := json.Marshal(map[string]any{"instance_id": "staff-1", "accepted": true})
		l.onSignal(sig)
	}
	return nil
}

func TestCoordinatorResponderAbandonsForNewOffer(t *testing.T) {
	stalled := &stallLink{}

	a, b := peer.NewMemPair("host-B", "staff-1")
	hostB, hostBDB := newTerminal(t, "host-B", "host", a)
	seedCatalog(t, hostBDB)

	// Staff's factory hands out the dead-end link first, then the live one.
	links := []peer.Link{stalled, b}
	staffDB := newTestDB(t, "staff-1")
	engine := reconcile.NewEngine(staffDB, "staff-1")
	staff := NewCoordinator(staffDB, engine, Config{
		TerminalRole: "staff",
		InstanceID:   "staff-1",
		StoreKey:     "test-store-key",
		NewLink: func(bool, string) peer.Link {
			link := links[0]
			links = links[1:]
			return link
		},
	})

	sig, _ := json.Marshal(map[string]any{"instance_id": "host-A"})
	offerA, err := FrameEnvelope(Envelope{Kind: KindOffer, SessionID: "SES-host-A", Signal: sig})
	if err != nil {
		t.Fatalf("frame offer A: %v", err)
	}

	if err := hostB.StartInitiator(); err != nil {
		t.Fatalf("host B start: %v", err)
	}
	offerB := waitCode(t, hostB)

	if err := staff.StartResponder(); err != nil {
		t.Fatalf("staff start: %v", err)
	}
	if err := staff.SubmitPayload(offerA); err != nil {
		t.Fatalf("staff submit offer A: %v", err)
	}
	st := waitState(t, staff, StateShowingAnswer)
	if st.SessionID != "SES-host-A" {
		t.Fatalf("staff bound to %s, want SES-host-A", st.SessionID)
	}

	// A fresher offer from another session replaces the first one entirely.
	if err := staff.SubmitPayload(offerB); err != nil {
		t.Fatalf("staff submit offer B: %v", err)
	}
	final := waitState(t, staff, StateLive)
	if final.SessionID == "SES-host-A" {
		t.Error("staff still bound to the abandoned session")
	}
	waitState(t, hostB, StateLive)

	if !stalled.closed {
		t.Error("abandoned link left open")
	}
}

func TestCoordinatorSessionIDSingleUse(t *testing.T) {
	a, b := peer.NewMemPair("host-1", "staff-1")
	host, hostDB := newTerminal(t, "host-1", "host", a)
	seedCatalog(t, hostDB)

	staffDB := newTestDB(t, "staff-1")
	engine := reconcile.NewEngine(staffDB, "staff-1")
	links := []peer.Link{b}
	staff := NewCoordinator(staffDB, engine, Config{
		TerminalRole: "staff",
		InstanceID:   "staff-1",
		StoreKey:     "test-store-key",
		NewLink: func(bool, string) peer.Link {
			if len(links) == 0 {
				t.Fatal("link factory called for a spent session")
			}
			link := links[0]
			links = links[1:]
			return link
		},
	})

	if err := host.StartInitiator(); err != nil {
		t.Fatalf("host start: %v", err)
	}
	offer := waitCode(t, host)
	if err := staff.StartResponder(); err != nil {
		t.Fatalf("staff start: %v", err)
	}
	if err := staff.SubmitPayload(offer); err != nil {
		t.Fatalf("staff submit: %v", err)
	}
	waitState(t, staff, StateLive)

	// Session done; replaying the same offer must be dead noise.
	staff.Cancel()
	waitState(t, staff, StateIdle)
	if err := staff.StartResponder(); err != nil {
		t.Fatalf("staff restart: %v", err)
	}
	if err := staff.SubmitPayload(offer); err != nil {
		t.Fatalf("replayed offer errored instead of being ignored: %v", err)
	}
	if st := staff.Status(); st.State != StateScanningForOffer {
		t.Errorf("replayed offer advanced state to %s", st.State)
	}
}

func TestCoordinatorCancelMidSession(t *testing.T) {
	a, _ := peer.NewMemPair("host-1", "staff-1")
	host, hostDB := newTerminal(t, "host-1", "host", a)

	if err := host.StartInitiator(); err != nil {
		t.Fatalf("host start: %v", err)
	}
	waitCode(t, host)
	host.Cancel()

	st := host.Status()
	if st.State != StateIdle {
		t.Errorf("state after cancel = %s, want %s", st.State, StateIdle)
	}
	if st.Code != "" || st.SessionID != "" {
		t.Errorf("cancel left session residue: %+v", st)
	}
	if a.State() != peer.StateClosed {
		t.Error("cancel left the link open")
	}

	var row models.SyncSession
	if err := hostDB.Where("final_state = ?", "cancelled").First(&row).Error; err != nil {
		t.Fatalf("no cancelled audit row: %v", err)
	}

	// Nothing merged, so stores are untouched.
	var count int64
	hostDB.Model(&models.Product{}).Count(&count)
	if count != 0 {
		t.Errorf("cancel touched the store: %d products", count)
	}
}

type deadCamera struct{}

func (deadCamera) Acquire() (signal.FrameSource, error) {
	return nil, signal.ErrCameraUnavailable
}

type nopDetector struct{}

func (nopDetector) Detect([]byte) (string, bool) { return "", false }

func TestCoordinatorCameraFailureFallsBackToPaste(t *testing.T) {
	a, b := peer.NewMemPair("host-1", "staff-1")
	host, hostDB := newTerminal(t, "host-1", "host", a)
	seedCatalog(t, hostDB)

	staffDB := newTestDB(t, "staff-1")
	engine := reconcile.NewEngine(staffDB, "staff-1")
	staff := NewCoordinator(staffDB, engine, Config{
		TerminalRole: "staff",
		InstanceID:   "staff-1",
		StoreKey:     "test-store-key",
		Camera:       deadCamera{},
		Detector:     nopDetector{},
		NewLink:      func(bool, string) peer.Link { return b },
	})

	if err := host.StartInitiator(); err != nil {
		t.Fatalf("host start: %v", err)
	}
	offer := waitCode(t, host)

	if err := staff.StartResponder(); err != nil {
		t.Fatalf("staff start: %v", err)
	}
	st := staff.Status()
	if st.CameraError == "" {
		t.Fatal("broken camera not surfaced in status")
	}
	if st.State != StateScanningForOffer {
		t.Errorf("camera failure aborted the session: state %s", st.State)
	}

	// The session still completes over the manual path.
	if err := staff.SubmitPayload(offer); err != nil {
		t.Fatalf("paste after camera failure: %v", err)
	}
	waitState(t, staff, StateLive)
	waitState(t, host, StateLive)
}

func TestCoordinatorIgnoresForeignAnswer(t *testing.T) {
	a, _ := peer.NewMemPair("host-1", "staff-1")
	host, _ := newTerminal(t, "host-1", "host", a)

	if err := host.StartInitiator(); err != nil {
		t.Fatalf("host start: %v", err)
	}
	waitCode(t, host)

	sig, _ := json.Marshal(map[string]any{"instance_id": "intruder"})
	foreign, err := FrameEnvelope(Envelope{Kind: KindAnswer, SessionID: "SES-someone-else", Signal: sig})
	if err != nil {
		t.Fatalf("frame foreign answer: %v", err)
	}
	if err := host.SubmitPayload(foreign); err != nil {
		t.Fatalf("foreign answer errored instead of being ignored: %v", err)
	}
	if st := host.Status(); st.State != StateShowingOffer {
		t.Errorf("foreign answer moved state to %s", st.State)
	}
}

// liveCamera always acquires and produces empty frames; the paired detector
// replies with whatever code the test has published.
type liveCamera struct{}

func (liveCamera) Acquire() (signal.FrameSource, error) { return liveFrames{}, nil }

type liveFrames struct{}

func (liveFrames) Grab() ([]byte, error) { return []byte("frame"), nil }
func (liveFrames) Release()              {}

type scriptedDetector struct {
	mu   sync.Mutex
	code string
}

func (d *scriptedDetector) publish(code string) {
	d.mu.Lock()
	d.code = code
	d.mu.Unlock()
}

func (d *scriptedDetector) Detect([]byte) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.code, d.code != ""
}

// answerWaitLink emits an offer at start and only connects once the answer
// signal is fed back, mirroring the wait on a real network link.
type answerWaitLink struct {
	mu        sync.Mutex
	state     peer.LinkState
	consumed  bool
	onSignal  func(json.RawMessage)
	onConnect func()
}

func (l *answerWaitLink) OnSignal(cb func(json.RawMessage)) { l.onSignal = cb }
func (l *answerWaitLink) OnConnect(cb func())               { l.onConnect = cb }
func (l *answerWaitLink) OnData(func([]byte))               {}
func (l *answerWaitLink) OnError(func(error))               {}
func (l *answerWaitLink) Send([]byte) error                 { return nil }

func (l *answerWaitLink) Start() error {
	l.mu.Lock()
	l.state = peer.StateSignalGenerated
	l.mu.Unlock()
	if l.onSignal != nil {
		sig, _ := json.Marshal(map[string]any{"instance_id": "host-1"})
		l.onSignal(sig)
	}
	return nil
}

func (l *answerWaitLink) ConsumeSignal(json.RawMessage) error {
	l.mu.Lock()
	l.consumed = true
	l.state = peer.StateConnected
	cb := l.onConnect
	l.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func (l *answerWaitLink) State() peer.LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *answerWaitLink) Close() error {
	l.mu.Lock()
	l.state = peer.StateClosed
	l.mu.Unlock()
	return nil
}

func (l *answerWaitLink) wasConsumed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.consumed
}

func TestCoordinatorInitiatorScansAnswer(t *testing.T) {
	link := &answerWaitLink{state: peer.StateCreated}
	detector := &scriptedDetector{}

	hostDB := newTestDB(t, "host-1")
	engine := reconcile.NewEngine(hostDB, "host-1")
	host := NewCoordinator(hostDB, engine, Config{
		TerminalRole: "host",
		InstanceID:   "host-1",
		StoreKey:     "test-store-key",
		ScanInterval: 10 * time.Millisecond,
		Camera:       liveCamera{},
		Detector:     detector,
		NewLink:      func(bool, string) peer.Link { return link },
	})
	seedCatalog(t, hostDB)

	if err := host.StartInitiator(); err != nil {
		t.Fatalf("host start: %v", err)
	}
	waitCode(t, host)
	sid := host.Status().SessionID

	if err := host.BeginScan(); err != nil {
		t.Fatalf("begin scan: %v", err)
	}
	if st := host.Status(); st.State != StateScanningForAnswer {
		t.Fatalf("state = %s, want %s", st.State, StateScanningForAnswer)
	}

	// Nothing in frame yet, so nothing may reach the link.
	time.Sleep(50 * time.Millisecond)
	if link.wasConsumed() {
		t.Fatal("link consumed a signal before anything was scanned")
	}

	sig, _ := json.Marshal(map[string]any{"instance_id": "staff-1", "accepted": true})
	answer, err := FrameEnvelope(Envelope{Kind: KindAnswer, SessionID: sid, Signal: sig})
	if err != nil {
		t.Fatalf("frame answer: %v", err)
	}
	detector.publish(answer)

	waitState(t, host, StateConnecting)
	if !link.wasConsumed() {
		t.Error("scanned answer never reached the link")
	}
}

func TestCoordinatorSpentCheckFailsClosed(t *testing.T) {
	a, _ := peer.NewMemPair("host-1", "staff-1")
	host, hostDB := newTerminal(t, "host-1", "host", a)

	if err := host.StartInitiator(); err != nil {
		t.Fatalf("host start: %v", err)
	}
	waitCode(t, host)
	sid := host.Status().SessionID

	// With the audit table gone the spent check cannot answer; every
	// envelope must be held back rather than let through.
	hostDB.Exec("DROP TABLE sync_sessions")

	sig, _ := json.Marshal(map[string]any{"instance_id": "staff-1", "accepted": true})
	answer, err := FrameEnvelope(Envelope{Kind: KindAnswer, SessionID: sid, Signal: sig})
	if err != nil {
		t.Fatalf("frame answer: %v", err)
	}
	if err := host.SubmitPayload(answer); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if st := host.Status(); st.State != StateShowingOffer {
		t.Errorf("envelope routed despite unreadable audit table: state %s", st.State)
	}
}
