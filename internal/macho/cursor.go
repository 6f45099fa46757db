package macho

import (
	"fmt"

	"github.com/blacktop/go-macho/types"
	"github.com/u-root/uio/uio"
)

const loadCommandPrefix = 8

// loadCommand is one record of the load command stream. In trusting mode
// data runs to the end of the image; in strict mode it is exactly Len bytes.
type loadCommand struct {
	Kind   types.LoadCmd
	Len    uint32
	Offset uint64
	data   []byte
}

// commandCursor walks exactly ncmds records, advancing by each declared
// length.
type commandCursor struct {
	image     []byte
	off       uint64
	end       uint64
	remaining uint32
	strict    bool
}

func newCommandCursor(image []byte, start uint64, ncmds, sizeofcmds uint32, strict bool) (*commandCursor, error) {
	end := start + uint64(sizeofcmds)
	if strict && end > uint64(len(image)) {
		return nil, fmt.Errorf("%w: %#x bytes of load commands in a %#x byte image", ErrMalformed, sizeofcmds, len(image))
	}
	return &commandCursor{image: image, off: start, end: end, remaining: ncmds, strict: strict}, nil
}

// next returns the following command, or false once ncmds have been read.
func (c *commandCursor) next() (loadCommand, bool, error) {
	if c.remaining == 0 {
		return loadCommand{}, false, nil
	}
	c.remaining--

	if c.off+loadCommandPrefix > uint64(len(c.image)) {
		return loadCommand{}, false, fmt.Errorf("%w: load command at %#x past end of image", ErrTruncated, c.off)
	}
	r := uio.NewLittleEndianBuffer(c.image[c.off:])
	cmd := loadCommand{
		Kind:   types.LoadCmd(r.Read32()),
		Len:    r.Read32(),
		Offset: c.off,
	}

	if c.strict {
		if cmd.Len < loadCommandPrefix {
			return loadCommand{}, false, fmt.Errorf("%w: %v at %#x has size %d", ErrMalformed, cmd.Kind, c.off, cmd.Len)
		}
		if c.off+uint64(cmd.Len) > c.end {
			return loadCommand{}, false, fmt.Errorf("%w: %v at %#x overruns the load command area", ErrMalformed, cmd.Kind, c.off)
		}
		cmd.data = c.image[c.off : c.off+uint64(cmd.Len)]
	} else {
		cmd.data = c.image[c.off:]
	}

	c.off += uint64(cmd.Len)
	return cmd, true, nil
}

// need fails when the command holds fewer than n bytes.
func (cmd loadCommand) need(n int, strict bool) error {
	if len(cmd.data) >= n {
		return nil
	}
	if strict {
		return fmt.Errorf("%w: %v at %#x is %d bytes, need %d", ErrMalformed, cmd.Kind, cmd.Offset, len(cmd.data), n)
	}
	return fmt.Errorf("%w: %v at %#x needs %d bytes", ErrTruncated, cmd.Kind, cmd.Offset, n)
}
