package eeprom

import (
	"context"

	"github.com/pkg/errors"
)

// Program runs a write session over link and returns the number of bytes the
// controller could not verify. The link is closed on return.
func Program(ctx context.Context, link *Link, m Mode, b *Block) (int, error) {
	h, err := NewHost(HostOptions{Mode: m, Send: b})
	if err != nil {
		link.Close()
		return 0, err
	}
	res, err := RunHost(ctx, link, h)
	if err != nil {
		return 0, err
	}
	if !res.Written {
		return 0, errors.Wrap(ErrProtocol, "session ended without a write report")
	}
	return res.Errors, nil
}

// Dump runs a read session over link and returns the chip contents. The link
// is closed on return.
func Dump(ctx context.Context, link *Link, m Mode) (*Block, error) {
	h, err := NewHost(HostOptions{Mode: m, Receive: true})
	if err != nil {
		link.Close()
		return nil, err
	}
	res, err := RunHost(ctx, link, h)
	if err != nil {
		return nil, err
	}
	if res.Block == nil {
		return nil, errors.Wrap(ErrProtocol, "session ended without data")
	}
	for i := range res.Block {
		if !m.Uses(HalfHigh) {
			res.Block[i].High = 0
		}
		if !m.Uses(HalfLow) {
			res.Block[i].Low = 0
		}
	}
	return res.Block, nil
}
