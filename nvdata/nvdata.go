// Package nvdata implements the engine's non-volatile flags store: a
// 16-byte, CRC-protected record of named boot-scratch fields (§3 NvFlags,
// §4.2, §6 persisted layout). The host is responsible for reading and
// writing the raw bytes; this package only interprets and mutates them.
package nvdata

import (
	"errors"

	"github.com/openfw/vboot2/internal/crc8"
)

// Size is the fixed on-host size of an NV flags record.
const Size = 16

const structVersion = 0x10

var (
	// ErrBadLength is returned by Init when buf is not exactly Size bytes.
	ErrBadLength = errors.New("nvdata: record must be exactly 16 bytes")
	// ErrUnknownField is returned by Get/Set for an undeclared Field.
	ErrUnknownField = errors.New("nvdata: unknown field")
	// ErrOutOfRange is returned by Set when value exceeds the field's width.
	ErrOutOfRange = errors.New("nvdata: value out of range for field")
)

// Field names one of the named NV flags (§3 NvFlags).
type Field int

const (
	FieldRecoveryRequest Field = iota
	FieldRecoverySubcode
	FieldTryCount
	FieldTryNext
	FieldFwTried
	FieldFwResult
	FieldFwPrevTried
	FieldFwPrevResult
	FieldDevBootUSB
	FieldDevBootLegacy
	FieldDevBootSignedOnly
	FieldDevDefaultBoot
	FieldDiagRequest
	FieldDisplayRequest
	FieldDisableDevRequest
	FieldClearTPMOwnerRequest
	FieldClearTPMOwnerDone
	FieldBatteryCutoffRequest
	FieldKernelMaxRollforward
	FieldTryROSync
)

// FwResult enumerates the values FieldFwResult/FieldFwPrevResult may hold.
const (
	FwResultUnknown = iota
	FwResultTrying
	FwResultSuccess
	FwResultFailure
)

type fieldLoc struct {
	byteOff uint
	bitOff  uint
	width   uint
}

// layout fixes the byte/bit position of each field within the 16-byte
// record. Bytes 10-14 are reserved padding; byte 15 carries the CRC.
var layout = map[Field]fieldLoc{
	FieldTryNext:              {1, 0, 1},
	FieldFwTried:              {1, 1, 1},
	FieldFwResult:             {1, 2, 2},
	FieldFwPrevTried:          {1, 4, 1},
	FieldFwPrevResult:         {1, 5, 2},
	FieldTryROSync:            {1, 7, 1},
	FieldTryCount:             {2, 0, 4},
	FieldDevBootUSB:           {2, 4, 1},
	FieldDevBootLegacy:        {2, 5, 1},
	FieldDevBootSignedOnly:    {2, 6, 1},
	FieldDevDefaultBoot:       {2, 7, 1},
	FieldRecoveryRequest:      {3, 0, 8},
	FieldRecoverySubcode:      {4, 0, 8},
	FieldDiagRequest:          {5, 0, 1},
	FieldDisplayRequest:       {5, 1, 1},
	FieldDisableDevRequest:    {5, 2, 1},
	FieldClearTPMOwnerRequest: {5, 3, 1},
	FieldClearTPMOwnerDone:    {5, 4, 1},
	FieldBatteryCutoffRequest: {5, 5, 1},
	FieldKernelMaxRollforward: {6, 0, 32},
}

// Context holds one in-memory NV flags record plus its dirty bit.
type Context struct {
	raw     [Size]byte
	changed bool
}

// Init validates buf's CRC and header byte (§4.2 nv_init). On mismatch it
// resets the record to defaults and marks it changed, matching the
// reference behavior of self-healing a corrupt NV record rather than
// failing the boot over it.
func Init(buf []byte) (*Context, error) {
	if len(buf) != Size {
		return nil, ErrBadLength
	}
	c := &Context{}
	copy(c.raw[:], buf)

	if c.raw[0] != structVersion || crc8.Checksum(c.raw[:Size-1]) != c.raw[Size-1] {
		c.reset()
	}
	return c, nil
}

func (c *Context) reset() {
	for i := range c.raw {
		c.raw[i] = 0
	}
	c.raw[0] = structVersion
	loc := layout[FieldKernelMaxRollforward]
	putBits(c.raw[:], loc, 0xffffffff)
	c.changed = true
}

// Changed reports whether any field has been modified since the last
// Flush, mirroring the NvFlags "changed" bit the commit hook inspects.
func (c *Context) Changed() bool { return c.changed }

// Get returns the current value of field.
func (c *Context) Get(f Field) (uint32, error) {
	loc, ok := layout[f]
	if !ok {
		return 0, ErrUnknownField
	}
	return getBits(c.raw[:], loc), nil
}

// Set writes value to field, marking the record changed only when the
// value actually differs (§4.2 nv_set).
func (c *Context) Set(f Field, value uint32) error {
	loc, ok := layout[f]
	if !ok {
		return ErrUnknownField
	}
	if loc.width < 32 && value >= (1<<loc.width) {
		return ErrOutOfRange
	}
	if getBits(c.raw[:], loc) == value {
		return nil
	}
	putBits(c.raw[:], loc, value)
	c.changed = true
	return nil
}

// Flush serializes the record with a fresh CRC and clears the changed
// bit, as performed by the commit hook (§4.9).
func (c *Context) Flush() [Size]byte {
	crc8Fill(&c.raw)
	c.changed = false
	return c.raw
}

func crc8Fill(raw *[Size]byte) {
	raw[Size-1] = crc8.Checksum(raw[:Size-1])
}

func getBits(raw []byte, loc fieldLoc) uint32 {
	if loc.width == 32 {
		return uint32(raw[loc.byteOff]) | uint32(raw[loc.byteOff+1])<<8 |
			uint32(raw[loc.byteOff+2])<<16 | uint32(raw[loc.byteOff+3])<<24
	}
	if loc.width == 8 {
		return uint32(raw[loc.byteOff])
	}
	mask := byte((1 << loc.width) - 1)
	return uint32((raw[loc.byteOff] >> loc.bitOff) & mask)
}

func putBits(raw []byte, loc fieldLoc, value uint32) {
	if loc.width == 32 {
		raw[loc.byteOff] = byte(value)
		raw[loc.byteOff+1] = byte(value >> 8)
		raw[loc.byteOff+2] = byte(value >> 16)
		raw[loc.byteOff+3] = byte(value >> 24)
		return
	}
	if loc.width == 8 {
		raw[loc.byteOff] = byte(value)
		return
	}
	mask := byte((1 << loc.width) - 1)
	raw[loc.byteOff] = raw[loc.byteOff]&^(mask<<loc.bitOff) | (byte(value)&mask)<<loc.bitOff
}
