package card

import "github.com/protei/cardlink/internal/apdu"

// CommandProcessor is the narrow interface the server and simulator
// consume from a card engine, letting tests substitute a fake without
// depending on Engine's internals.
type CommandProcessor interface {
	Process(cmd apdu.Command) (data []byte, sw apdu.SW)
}

// NoopProcessor answers every command with 9000 and no data. Useful for
// isolating a test that only cares about session or transport behavior.
type NoopProcessor struct{}

func (NoopProcessor) Process(apdu.Command) ([]byte, apdu.SW) {
	return nil, apdu.SW{SW1: 0x90, SW2: 0x00}
}
