package simulator

import (
	"encoding/hex"
	"fmt"

	"github.com/protei/cardlink/internal/card"
)

// VirtualApplet is one registered applet the simulated UICC reports via
// GET STATUS.
type VirtualApplet struct {
	AID   string // hex
	Name  string
	State string // e.g. "SELECTABLE", "PERSONALIZED"
}

// UICCProfile describes the identity of the card the simulator presents
// to the Admin Server: ICCID/IMSI, the ISD AID, and any pre-registered
// applets.
type UICCProfile struct {
	ICCID   string
	IMSI    string
	ISDAID  string // hex
	Applets []VirtualApplet
}

// ToCardProfile decodes the hex AIDs into card.Profile, the shape the
// command engine operates on.
func (p UICCProfile) ToCardProfile() (card.Profile, error) {
	isd, err := hex.DecodeString(p.ISDAID)
	if err != nil {
		return card.Profile{}, fmt.Errorf("simulator: decoding isd aid %q: %w", p.ISDAID, err)
	}
	aids := make([][]byte, 0, len(p.Applets))
	for _, a := range p.Applets {
		b, err := hex.DecodeString(a.AID)
		if err != nil {
			return card.Profile{}, fmt.Errorf("simulator: decoding applet aid %q: %w", a.AID, err)
		}
		aids = append(aids, b)
	}
	return card.Profile{ICCID: p.ICCID, IMSI: p.IMSI, ISDAID: isd, AIDs: aids}, nil
}
