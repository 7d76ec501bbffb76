// Package secdata implements the three fixed-schema records the engine
// keeps in TPM-like secure storage: secdata_firmware, secdata_kernel, and
// secdata_fwmp (§3, §4.3, §6 persisted layout). Each space is CRC-protected
// and versioned; the host supplies the raw bytes read from and written to
// the TPM, this package only interprets them.
package secdata

import (
	"errors"

	"github.com/openfw/vboot2/internal/crc8"
)

var (
	ErrBadLength    = errors.New("secdata: record has the wrong length")
	ErrCRC          = errors.New("secdata: CRC mismatch")
	ErrVersionRange = errors.New("secdata: struct_version out of supported range")
	ErrRollback     = errors.New("secdata: version counter may not decrease")
)

// Firmware sizes and layout (§6): struct_version(1) flags(1) fw_versions
// u32 LE(4) reserved(3) crc(1); 10 bytes total.
const (
	FirmwareSize          = 10
	firmwareStructVersion = 2
	firmwareFlagsOff      = 1
	firmwareVersionsOff   = 2
	firmwareCRCOff        = FirmwareSize - 1
	firmwareFlagDevMode   = 1 << 0
)

// Firmware is the parsed secdata_firmware space.
type Firmware struct {
	raw     [FirmwareSize]byte
	changed bool
}

// InitFirmware validates buf's struct_version and CRC (§4.3
// secdata_firmware_init). A mismatch fails outright: unlike NV, a secure
// storage space cannot self-heal without losing its anti-rollback
// guarantee.
func InitFirmware(buf []byte) (*Firmware, error) {
	if len(buf) != FirmwareSize {
		return nil, ErrBadLength
	}
	f := &Firmware{}
	copy(f.raw[:], buf)
	if f.raw[0] < firmwareStructVersion {
		return nil, ErrVersionRange
	}
	if crc8.Checksum(f.raw[:firmwareCRCOff]) != f.raw[firmwareCRCOff] {
		return nil, ErrCRC
	}
	return f, nil
}

// Versions returns the packed fw_versions counter (key_version<<16 |
// preamble_version, per SharedState.firmware_version in §3).
func (f *Firmware) Versions() uint32 {
	return leUint32(f.raw[firmwareVersionsOff:])
}

// SetVersions writes a new fw_versions counter. It is rejected if smaller
// than the current value (§8 property 3: secdata monotonicity).
func (f *Firmware) SetVersions(v uint32) error {
	if v < f.Versions() {
		return ErrRollback
	}
	if v == f.Versions() {
		return nil
	}
	putLEUint32(f.raw[firmwareVersionsOff:], v)
	f.changed = true
	return nil
}

// DevMode reports the persisted developer-mode bit (§4.7 check_dev_switch).
func (f *Firmware) DevMode() bool {
	return f.raw[firmwareFlagsOff]&firmwareFlagDevMode != 0
}

// SetDevMode writes the developer-mode bit, marking the record changed
// only when it actually flips.
func (f *Firmware) SetDevMode(on bool) {
	before := f.DevMode()
	if on == before {
		return
	}
	if on {
		f.raw[firmwareFlagsOff] |= firmwareFlagDevMode
	} else {
		f.raw[firmwareFlagsOff] &^= firmwareFlagDevMode
	}
	f.changed = true
}

func (f *Firmware) Changed() bool { return f.changed }

// Flush serializes the record with a fresh CRC and clears the changed bit.
func (f *Firmware) Flush() [FirmwareSize]byte {
	f.raw[firmwareCRCOff] = crc8.Checksum(f.raw[:firmwareCRCOff])
	f.changed = false
	return f.raw
}

// Kernel sizes and layout (§6): struct_version(1) uid(4) kernel_versions
// u32 LE(4) reserved(3) crc(1); 13 bytes total.
const (
	KernelSize          = 13
	kernelStructVersion = 2
	kernelUIDOff        = 1
	kernelVersionsOff   = 5
	kernelCRCOff        = KernelSize - 1
)

// Kernel is the parsed secdata_kernel space.
type Kernel struct {
	raw     [KernelSize]byte
	changed bool
}

// InitKernel validates buf's struct_version and CRC.
func InitKernel(buf []byte) (*Kernel, error) {
	if len(buf) != KernelSize {
		return nil, ErrBadLength
	}
	k := &Kernel{}
	copy(k.raw[:], buf)
	if k.raw[0] < kernelStructVersion {
		return nil, ErrVersionRange
	}
	if crc8.Checksum(k.raw[:kernelCRCOff]) != k.raw[kernelCRCOff] {
		return nil, ErrCRC
	}
	return k, nil
}

// UID returns the random instance id written once at provisioning time,
// used to detect a TPM that was cleared and re-owned out from under an
// installed OS.
func (k *Kernel) UID() uint32 { return leUint32(k.raw[kernelUIDOff:]) }

func (k *Kernel) Versions() uint32 { return leUint32(k.raw[kernelVersionsOff:]) }

// SetVersions writes a new kernel version counter, rejecting rollback.
func (k *Kernel) SetVersions(v uint32) error {
	if v < k.Versions() {
		return ErrRollback
	}
	if v == k.Versions() {
		return nil
	}
	putLEUint32(k.raw[kernelVersionsOff:], v)
	k.changed = true
	return nil
}

func (k *Kernel) Changed() bool { return k.changed }

func (k *Kernel) Flush() [KernelSize]byte {
	k.raw[kernelCRCOff] = crc8.Checksum(k.raw[:kernelCRCOff])
	k.changed = false
	return k.raw
}

// Fwmp layout (§6): crc(1) struct_version(1) struct_size(1) flags(1)
// dev_key_hash[32]; 36 bytes, variable only in that struct_size may grow
// in later versions, which this package accepts as long as the fields it
// knows about are still intact.
const (
	FwmpMinSize          = 36
	fwmpStructVersion    = 1
	fwmpCRCOff           = 0
	fwmpStructVersionOff = 1
	fwmpStructSizeOff    = 2
	fwmpFlagsOff         = 3
	fwmpDevKeyHashOff    = 4
	fwmpDevKeyHashSize   = 32
)

// FwmpFlag names one bit of the Firmware Management Parameters flag byte.
type FwmpFlag uint8

const (
	FwmpDevDisableBoot FwmpFlag = 1 << iota
	FwmpDevDisableRecovery
	FwmpDevDisableCcd
)

// Fwmp is the parsed secdata_fwmp space.
type Fwmp struct {
	raw []byte
}

// InitFwmp validates buf's CRC. Per §4.3, a struct_version newer than
// fwmpStructVersion is accepted as long as the fields this package knows
// about (through dev_key_hash) are still present and intact.
func InitFwmp(buf []byte) (*Fwmp, error) {
	if len(buf) < FwmpMinSize {
		return nil, ErrBadLength
	}
	if int(buf[fwmpStructSizeOff]) < FwmpMinSize || int(buf[fwmpStructSizeOff]) > len(buf) {
		return nil, ErrBadLength
	}
	covered := buf[1:buf[fwmpStructSizeOff]]
	if crc8.Checksum(covered) != buf[fwmpCRCOff] {
		return nil, ErrCRC
	}
	if buf[fwmpStructVersionOff] < fwmpStructVersion {
		return nil, ErrVersionRange
	}
	f := &Fwmp{raw: append([]byte(nil), buf...)}
	return f, nil
}

// GetFlag reports whether flag is set in the FWMP flags byte (§4.3
// fwmp_get_flag). A nil Fwmp (no FWMP space on the board) has no flag set.
func (f *Fwmp) GetFlag(flag FwmpFlag) bool {
	if f == nil {
		return false
	}
	return f.raw[fwmpFlagsOff]&byte(flag) != 0
}

// DevKeyHash returns the enterprise-enrolled developer-key hash.
func (f *Fwmp) DevKeyHash() []byte {
	return f.raw[fwmpDevKeyHashOff : fwmpDevKeyHashOff+fwmpDevKeyHashSize]
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLEUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
