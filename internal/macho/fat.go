package macho

import (
	"encoding/binary"
	"fmt"

	"github.com/blacktop/go-macho/types"
)

const (
	fatHeaderSize = 8
	fatArchSize   = 20
)

// Thin is the result of selecting one architecture from an image.
type Thin struct {
	// Image is the selected slice, or the input when nothing was selected.
	Image []byte
	// Size is the slice size from the fat table, zero without a match.
	Size uint32
	// Fat reports whether the input carried a fat header at all.
	Fat bool
	// Matched reports whether a slice for the requested CPU was found.
	Matched bool
	// Swapped reports whether the table was in the reverse of host order.
	Swapped bool
	// Offset is the slice offset within the input.
	Offset uint32
}

// ThinFatFile narrows a fat archive to the first slice whose CPU type is cpu.
// An input that is not a fat archive comes back unchanged with Fat unset;
// callers treat it as a plain image. A fat archive without a matching slice
// comes back unchanged with Matched unset. The input is never modified.
func ThinFatFile(image []byte, cpu types.CPU) (Thin, error) {
	thin := Thin{Image: image}
	if len(image) < fatHeaderSize {
		return thin, nil
	}

	var order binary.ByteOrder
	switch types.MagicFat {
	case types.Magic(binary.LittleEndian.Uint32(image)):
		order = binary.LittleEndian
	case types.Magic(binary.BigEndian.Uint32(image)):
		order = binary.BigEndian
		thin.Swapped = true
	default:
		return thin, nil
	}
	thin.Fat = true

	nfat := order.Uint32(image[4:])
	for i := uint32(0); i < nfat; i++ {
		off := uint64(fatHeaderSize) + uint64(i)*fatArchSize
		if off+fatArchSize > uint64(len(image)) {
			return Thin{}, fmt.Errorf("%w: fat entry %d of %d past end of %d byte image", ErrTruncated, i, nfat, len(image))
		}
		entry := image[off : off+fatArchSize]
		if types.CPU(order.Uint32(entry[0:])) != cpu {
			continue
		}

		offset := order.Uint32(entry[8:])
		size := order.Uint32(entry[12:])
		if uint64(offset)+uint64(size) > uint64(len(image)) {
			return Thin{}, fmt.Errorf("%w: %v slice [%#x, +%#x) past end of %d byte image", ErrTruncated, cpu, offset, size, len(image))
		}
		thin.Image = image[offset : offset+size : offset+size]
		thin.Size = size
		thin.Offset = offset
		thin.Matched = true
		return thin, nil
	}
	return thin, nil
}
