// Package card implements a virtual UICC: a profile-backed engine that
// answers GlobalPlatform/ISO 7816-4 commands the way a real card would,
// for both the server-side test oracle and the simulator's in-process
// card.
package card

import (
	"encoding/binary"
	"sync"

	"github.com/protei/cardlink/internal/apdu"
)

// INS byte values this engine dispatches on.
const (
	InsSelect               = 0xA4
	InsGetStatus             = 0xF2
	InsGetData               = 0xCA
	InsInitializeUpdate      = 0x50
	InsExternalAuthenticate  = 0x82
	InsInstall               = 0xE6
	InsDelete                = 0xE4
)

// GetData tag values recognized by the GET DATA handler.
const (
	TagICCID              = 0x66
	TagCardRecognitionData = 0x73
)

// Profile describes the virtual card's identity and registered
// applications.
type Profile struct {
	ICCID  string
	IMSI   string
	ISDAID []byte
	AIDs   [][]byte // registered applet AIDs, ISD excluded

	// StrictAID, when true, makes SELECT check non-ISD AIDs against AIDs
	// and return 6A82 (file/application not found) for anything
	// unregistered, instead of the permissive default that accepts any AID.
	StrictAID bool
}

// BehaviorController lets a test scenario substitute an error status
// word, delay, or timeout before a response is returned. Implementations
// must be safe for concurrent use.
type BehaviorController interface {
	// MaybeInject inspects the command about to be answered and
	// optionally returns an override status word. A nil return means
	// "let the engine answer normally".
	MaybeInject(cmd apdu.Command) *apdu.SW
}

// NoopBehaviorController never overrides a response.
type NoopBehaviorController struct{}

func (NoopBehaviorController) MaybeInject(apdu.Command) *apdu.SW { return nil }

// Handler answers one C-APDU against the engine's current state.
type Handler func(e *Engine, cmd apdu.Command) (data []byte, sw apdu.SW)

// Engine is a virtual UICC: a profile plus mutable selection state,
// dispatching commands through an INS-keyed handler table.
type Engine struct {
	mu       sync.Mutex
	profile  Profile
	selected []byte // selected AID, nil when none

	behavior BehaviorController
	handlers map[byte]Handler
}

// New returns an Engine for profile with the default handler table and a
// no-op behavior controller.
func New(profile Profile) *Engine {
	e := &Engine{profile: profile, behavior: NoopBehaviorController{}}
	e.handlers = map[byte]Handler{
		InsSelect:              handleSelect,
		InsGetStatus:           handleGetStatus,
		InsGetData:             handleGetData,
		InsInitializeUpdate:     handleInitializeUpdate,
		InsExternalAuthenticate: handleExternalAuthenticate,
		InsInstall:              handleInstall,
		InsDelete:               handleDelete,
	}
	return e
}

// SetBehaviorController installs the controller consulted before every
// response is returned.
func (e *Engine) SetBehaviorController(b BehaviorController) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.behavior = b
}

// RegisterHandler overrides (or adds) the handler for an INS byte,
// letting a test substitute a pluggable strategy — e.g. real SCP02/SCP03
// cryptography in place of the baseline logical no-op.
func (e *Engine) RegisterHandler(ins byte, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[ins] = h
}

// SelectedAID returns the currently selected AID, or nil when none is
// selected.
func (e *Engine) SelectedAID() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selected
}

// Process answers cmd: dispatches to the registered handler for its INS
// byte, then consults the behavior controller for an override before
// returning.
func (e *Engine) Process(cmd apdu.Command) (data []byte, sw apdu.SW) {
	e.mu.Lock()
	handler, ok := e.handlers[cmd.INS]
	behavior := e.behavior
	e.mu.Unlock()

	if !ok {
		data, sw = nil, apdu.SW{SW1: 0x6D, SW2: 0x00}
	} else {
		data, sw = handler(e, cmd)
	}

	if behavior != nil {
		if override := behavior.MaybeInject(cmd); override != nil {
			return nil, *override
		}
	}
	return data, sw
}

func handleSelect(e *Engine, cmd apdu.Command) ([]byte, apdu.SW) {
	e.mu.Lock()
	defer e.mu.Unlock()

	isISD := isSameAID(cmd.Data, e.profile.ISDAID)

	if !isISD {
		if e.profile.StrictAID && !aidRegistered(cmd.Data, e.profile.AIDs) {
			return nil, apdu.SW{SW1: 0x6A, SW2: 0x82}
		}
		e.selected = append([]byte{}, cmd.Data...)
		return nil, apdu.SW{SW1: 0x90, SW2: 0x00}
	}

	e.selected = append([]byte{}, cmd.Data...)
	fci := encodeICCIDTLV(e.profile.ICCID)
	return fci, apdu.SW{SW1: 0x90, SW2: 0x00}
}

func handleGetStatus(e *Engine, cmd apdu.Command) ([]byte, apdu.SW) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return statusTemplate(e.profile), apdu.SW{SW1: 0x90, SW2: 0x00}
}

func handleGetData(e *Engine, cmd apdu.Command) ([]byte, apdu.SW) {
	e.mu.Lock()
	profile := e.profile
	e.mu.Unlock()

	tag := int(cmd.P1)<<8 | int(cmd.P2)
	switch tag {
	case TagICCID:
		return encodeICCIDTLV(profile.ICCID), apdu.SW{SW1: 0x90, SW2: 0x00}
	case TagCardRecognitionData:
		return cardRecognitionData(profile), apdu.SW{SW1: 0x90, SW2: 0x00}
	default:
		return nil, apdu.SW{SW1: 0x6A, SW2: 0x88}
	}
}

// handleInitializeUpdate and handleExternalAuthenticate are accepted as a
// logical no-op: they return cryptogram-shaped data without performing
// genuine SCP02/SCP03 key derivation. RegisterHandler lets a test swap
// in real cryptography.
func handleInitializeUpdate(e *Engine, cmd apdu.Command) ([]byte, apdu.SW) {
	return make([]byte, 28), apdu.SW{SW1: 0x90, SW2: 0x00}
}

func handleExternalAuthenticate(e *Engine, cmd apdu.Command) ([]byte, apdu.SW) {
	return nil, apdu.SW{SW1: 0x90, SW2: 0x00}
}

func handleInstall(e *Engine, cmd apdu.Command) ([]byte, apdu.SW) {
	return nil, apdu.SW{SW1: 0x90, SW2: 0x00}
}

func handleDelete(e *Engine, cmd apdu.Command) ([]byte, apdu.SW) {
	return nil, apdu.SW{SW1: 0x90, SW2: 0x00}
}

func isSameAID(requested, known []byte) bool {
	if len(requested) != len(known) {
		return false
	}
	for i := range requested {
		if requested[i] != known[i] {
			return false
		}
	}
	return true
}

func aidRegistered(requested []byte, known [][]byte) bool {
	for _, aid := range known {
		if isSameAID(requested, aid) {
			return true
		}
	}
	return false
}

// encodeICCIDTLV wraps the ICCID's digits (decimal-encoded, swapped
// nibble pairs per ISO 7812) in a tag-66 TLV.
func encodeICCIDTLV(iccid string) []byte {
	packed := packBCD(iccid)
	out := make([]byte, 0, len(packed)+2)
	out = append(out, 0x66, byte(len(packed)))
	out = append(out, packed...)
	return out
}

func packBCD(digits string) []byte {
	if len(digits)%2 != 0 {
		digits += "F"
	}
	out := make([]byte, len(digits)/2)
	for i := 0; i < len(out); i++ {
		hi := swappedNibble(digits[2*i])
		lo := swappedNibble(digits[2*i+1])
		out[i] = lo<<4 | hi
	}
	return out
}

func swappedNibble(c byte) byte {
	if c == 'F' || c == 'f' {
		return 0xF
	}
	return c - '0'
}

func cardRecognitionData(p Profile) []byte {
	out := make([]byte, 0, 16)
	out = append(out, 0x73, 0x00) // outer tag, length patched below
	inner := encodeICCIDTLV(p.ICCID)
	out = append(out, inner...)
	out[1] = byte(len(inner))
	return out
}

func statusTemplate(p Profile) []byte {
	// A minimal, well-formed GET STATUS response: tag 0xE3 wrapping an
	// AID TLV (tag 0x4F) for the currently registered applications.
	var buf []byte
	aids := p.AIDs
	if len(aids) == 0 {
		aids = [][]byte{p.ISDAID}
	}
	for _, aid := range aids {
		entry := make([]byte, 0, len(aid)+2)
		entry = append(entry, 0x4F, byte(len(aid)))
		entry = append(entry, aid...)
		buf = append(buf, entry...)
	}
	header := make([]byte, 2)
	binary.BigEndian.PutUint16(header, uint16(len(buf)))
	out := []byte{0xE3}
	out = append(out, header[1]) // single-byte length, templates stay small
	out = append(out, buf...)
	return out
}
