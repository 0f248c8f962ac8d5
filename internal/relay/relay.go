// Package relay is the asynchronous fallback when two terminals cannot meet
// on the same network: a full export is sealed with the shared store key and
// travels as pasteable text through any messaging channel. Import feeds the
// same reconciliation path as a live session.
package relay

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/kasipos/kasipos/internal/codec"
	"github.com/kasipos/kasipos/internal/models"
	"github.com/kasipos/kasipos/internal/reconcile"
	"github.com/kasipos/kasipos/internal/signal"
	"github.com/kasipos/kasipos/internal/utils"
)

// Export kinds. The Host exports its catalog; a Staff terminal exports its
// pending sales and movements.
const (
	KindCatalogExport    = "CATALOG_EXPORT"
	KindStaffSalesReport = "STAFF_SALES_REPORT"
)

var (
	// ErrSealed is returned when a blob cannot be decrypted, usually a
	// STORE_KEY mismatch between terminals.
	ErrSealed = errors.New("relay: blob cannot be opened with this store key")

	// ErrReplayed is returned when an export id was already merged.
	ErrReplayed = errors.New("relay: export already imported")

	// ErrForged is returned when a blob's signature does not verify against
	// the key that claims to have produced it.
	ErrForged = errors.New("relay: export signature does not verify")
)

// payload is the plaintext inside a sealed relay blob.
type payload struct {
	Type      string           `json:"type"`
	ExportID  string           `json:"export_id"`
	Origin    string           `json:"origin"`
	Timestamp time.Time        `json:"timestamp"`
	Batch     *reconcile.Batch `json:"batch"`
}

// frame is what actually gets codec-encoded: nonce, ciphertext and the
// exporting terminal's Ed25519 signature over both. The store key already
// authenticates the shop; the signature additionally pins which terminal
// produced the blob, so one terminal cannot pose as another.
type frame struct {
	Nonce  []byte `json:"n"`
	Cipher []byte `json:"c"`
	PubKey string `json:"p"`
	Sig    string `json:"s"`
}

// Relay seals and opens fallback export blobs.
type Relay struct {
	engine   *reconcile.Engine
	key      []byte
	identity *utils.TerminalIdentity
}

// NewRelay derives the sealing key from the shared store key. The identity
// signs every export this terminal produces.
func NewRelay(engine *reconcile.Engine, storeKey string, identity *utils.TerminalIdentity) *Relay {
	sum := sha256.Sum256([]byte(storeKey))
	return &Relay{engine: engine, key: sum[:], identity: identity}
}

// Export builds a sealed, pasteable blob of the given kind.
func (r *Relay) Export(kind string) (string, error) {
	var role string
	switch kind {
	case KindCatalogExport:
		role = "host"
	case KindStaffSalesReport:
		role = "staff"
	default:
		return "", fmt.Errorf("relay: unknown export kind %q", kind)
	}

	batch, err := r.engine.BuildOutboundBatch(role)
	if err != nil {
		return "", fmt.Errorf("relay: build export: %w", err)
	}

	p := payload{
		Type:      kind,
		ExportID:  utils.NewReference(),
		Origin:    r.identity.InstanceID,
		Timestamp: time.Now().UTC(),
		Batch:     batch,
	}
	blob, err := r.seal(p)
	if err != nil {
		return "", err
	}

	label := "catalog"
	if kind == KindStaffSalesReport {
		label = "sales report"
	}
	log.Printf("📤 Relay export %s ready (%s, %d deltas)", p.ExportID, kind, len(batch.Deltas))
	return signal.ExportText(blob, label), nil
}

// Import opens a pasted blob and merges it. A blob is all-or-nothing: the
// export id is the replay guard, so a second paste of the same message is a
// no-op regardless of individual delta outcomes.
func (r *Relay) Import(text string) (*reconcile.Report, error) {
	blob, err := signal.ImportText(text)
	if err != nil {
		return nil, err
	}

	p, err := r.open(blob)
	if err != nil {
		return nil, err
	}
	if p.Type != KindCatalogExport && p.Type != KindStaffSalesReport {
		return nil, fmt.Errorf("%w: unknown relay type %q", codec.ErrDecode, p.Type)
	}

	used, err := r.engine.IsReferenceUsed(p.ExportID)
	if err != nil {
		return nil, fmt.Errorf("relay: replay check: %w", err)
	}
	if used {
		log.Printf("⏭️ Relay export %s already imported, skipping", p.ExportID)
		return nil, ErrReplayed
	}

	report, err := r.engine.ApplyBatch(p.Batch)
	if err != nil {
		return nil, fmt.Errorf("relay: merge import: %w", err)
	}
	if err := r.engine.MarkReferenceUsed(p.ExportID, models.RefKindExport, p.Origin); err != nil {
		return nil, fmt.Errorf("relay: record import: %w", err)
	}

	log.Printf("📥 Relay export %s from %s merged: %d applied", p.ExportID, p.Origin, report.Applied)
	return report, nil
}

func (r *Relay) seal(p payload) (string, error) {
	plain, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("relay: encode payload: %w", err)
	}

	aead, err := chacha20poly1305.NewX(r.key)
	if err != nil {
		return "", fmt.Errorf("relay: init cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("relay: nonce: %w", err)
	}

	cipher := aead.Seal(nil, nonce, plain, nil)
	sig, err := r.identity.Sign(signedBytes(nonce, cipher))
	if err != nil {
		return "", fmt.Errorf("relay: sign export: %w", err)
	}

	return codec.Encode(frame{
		Nonce:  nonce,
		Cipher: cipher,
		PubKey: r.identity.PublicKey,
		Sig:    sig,
	})
}

// signedBytes is the message covered by a frame's signature.
func signedBytes(nonce, cipher []byte) []byte {
	msg := make([]byte, 0, len(nonce)+len(cipher))
	msg = append(msg, nonce...)
	return append(msg, cipher...)
}

func (r *Relay) open(blob string) (*payload, error) {
	var f frame
	if err := codec.Decode(blob, &f); err != nil {
		return nil, err
	}

	ok, err := utils.VerifySignature(f.PubKey, signedBytes(f.Nonce, f.Cipher), f.Sig)
	if err != nil || !ok {
		return nil, ErrForged
	}

	aead, err := chacha20poly1305.NewX(r.key)
	if err != nil {
		return nil, fmt.Errorf("relay: init cipher: %w", err)
	}
	if len(f.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrSealed
	}
	plain, err := aead.Open(nil, f.Nonce, f.Cipher, nil)
	if err != nil {
		return nil, ErrSealed
	}

	var p payload
	if err := json.Unmarshal(plain, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", codec.ErrDecode, err)
	}
	return &p, nil
}
