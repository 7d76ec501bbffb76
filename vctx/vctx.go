// Package vctx carries the engine-wide state a boot attempt threads
// through every phase: the work-buffer arena, the SharedState record at
// its base, and the host capability callbacks the pipelines call out
// through (§3 SharedState, §5 Concurrency, §6 External interfaces).
package vctx

import (
	"errors"

	"github.com/openfw/vboot2/arena"
	"github.com/openfw/vboot2/gbb"
	"github.com/openfw/vboot2/nvdata"
	"github.com/openfw/vboot2/secdata"
)

// ErrPrecondition is returned when a phase runs before an earlier phase
// set the status bit it depends on (§5 Ordering).
var ErrPrecondition = errors.New("vctx: required earlier phase did not run")

// ErrFatalNVWrite signals the unrecoverable case in §4.9/§7: an nv_write
// failure outside recovery, where the engine cannot even persist the
// recovery request it would otherwise make. The reference firmware
// halts via a REC_OR_DIE macro; here the caller must stop the boot.
var ErrFatalNVWrite = errors.New("vctx: fatal NV write failure outside recovery")

// Status bits recorded in SharedState.Status (§3).
const (
	StatusNVInit = 1 << iota
	StatusSecdataFirmwareInit
	StatusSecdataKernelInit
	StatusChoseSlot
	StatusECSyncComplete
	StatusDisplayAvailable
)

// Recovery reasons (§6 "Recovery reasons and NV subcodes"). Not
// exhaustive of the real firmware's enumerants, but stable for this
// engine's own subcode contract.
const (
	RecoveryNotRequested = iota
	RecoveryManual
	RecoveryROManual
	RecoverySecdataFirmwareInit
	RecoverySecdataKernelInit
	RecoveryFwKeyblock
	RecoveryFwKeyRollback
	RecoveryFwPreamble
	RecoveryFwPreambleRollback
	RecoveryFwBodyHash
	RecoveryKernelBodyHash
	RecoveryTPMClearOwner
	RecoveryRWTPMWriteError
	RecoveryROInvalidRW
	RecoveryECSync
)

// Resource identifies a flash-resident blob read via Capabilities.ReadResource.
type Resource int

const (
	ResourceGBB Resource = iota
	ResourceFWVblock
)

// TPMMode is the argument to Capabilities.TPMSetMode.
type TPMMode int

const (
	TPMModeEnabled TPMMode = iota
	TPMModeDisabled
)

// Capabilities is the set of host callbacks the core requires (§6). Every
// method is synchronous; none may block indefinitely, and none is called
// concurrently with another by this engine (§5). The single "commit_data"
// callback of §6 is modeled as three separate per-space writes so the
// commit hook (§4.9) can distinguish an nv-write failure from a
// secdata-firmware-write/secdata-kernel-write failure, each of which the
// spec gives its own recovery-reason and retry contract.
type Capabilities interface {
	ReadResource(res Resource, offset, size uint32) ([]byte, error)
	TPMClearOwner() error
	TPMSetMode(mode TPMMode) error
	WriteNV(buf [nvdata.Size]byte) error
	WriteSecdataFirmware(buf [secdata.FirmwareSize]byte) error
	WriteSecdataKernel(buf [secdata.KernelSize]byte) error
}

// SharedState is the fixed record conceptually placed at arena offset 0
// (§3 SharedState). Unlike the reference firmware this is a plain Go
// struct rather than a byte-exact overlay, but it keeps the same
// offset-into-arena ownership model: variable-length artifacts are
// referenced by Span, not by Go slice aliasing, so they survive
// arena.Buffer.ReallocLast compactions.
type SharedState struct {
	Status uint32

	RecoveryReason uint16

	SelectedFwSlot int
	LastFwSlot     int
	LastFwResult   int

	FirmwareVersion uint32 // key_version<<16 | preamble_version
	KernelVersion   uint32

	SecdataFwVersion     uint32
	SecdataKernelVersion uint32

	// KernelSigned mirrors the reference firmware's VB2_SD_FLAG_KERNEL_SIGNED
	// bit (vb2_shared_data.flags): set once a kernel preamble's signature
	// has verified under its data key this boot, and consulted by
	// kernel_phase3's roll-forward gate (§4.8). It is per-boot state, not
	// persisted to secdata_kernel.
	KernelSigned bool

	GBBHeader      arena.Span
	FwDataKey      arena.Span
	FwPreamble     arena.Span
	KernelDataKey  arena.Span
	KernelPreamble arena.Span

	LastBootDeveloper bool

	ContextFlags ContextFlags
}

// ContextFlags are the external signals §4.7/§4.8 consult (recovery
// switch, developer mode, manual-recovery context, and the like). They
// are set by the boot-path selector before the firmware-verify pipeline
// runs; fwverify.Phase1 also writes RecoveryMode, DeveloperMode and
// FwSlotB as it resolves recovery, the developer switch and the slot.
type ContextFlags struct {
	RecoveryMode           bool
	ManualRecoveryRequest  bool
	DeveloperMode          bool
	DisableDeveloperMode   bool
	FwSlotB                bool
	AllowKernelRollForward bool
	NoFailBoot             bool
}

func (f *ContextFlags) setRecoveryMode() { f.RecoveryMode = true }

// Context bundles the arena, shared state, NV flags, secure storage, and
// host capabilities for a single boot attempt. It is created fresh per
// boot and never shared across goroutines (§5).
type Context struct {
	Arena *arena.Buffer
	State SharedState

	NV              *nvdata.Context
	SecdataFirmware *secdata.Firmware
	SecdataKernel   *secdata.Kernel
	SecdataFwmp     *secdata.Fwmp

	GBB *gbb.Header

	Caps Capabilities

	// Trace, if set, is called at each phase transition the pipelines
	// recognize (§9 design notes: "the engine instead returns values
	// through a Trace callback (optional, host supplied) so a host can
	// still observe phase transitions without the core depending on an
	// I/O sink"). event is a "component:event" tag; kv is an even-length
	// list of alternating key/value pairs, mirroring log/slog's variadic
	// attribute convention so a host can forward them directly to a
	// slog.Logger without reshaping them. Trace must not block or retain
	// kv past the call.
	Trace func(event string, kv ...any)
}

// New creates a Context over region, which the caller owns for the
// lifetime of the boot attempt.
func New(region []byte, caps Capabilities) (*Context, error) {
	buf, err := arena.Init(region, arena.MinAlign)
	if err != nil {
		return nil, err
	}
	return &Context{Arena: buf, Caps: caps}, nil
}

// trace calls c.Trace if the host supplied one; it is always safe to call
// whether or not a tracer is attached.
func (c *Context) trace(event string, kv ...any) {
	if c.Trace != nil {
		c.Trace(event, kv...)
	}
}

// TraceEvent exposes the engine's phase-transition tracer to other packages in
// this module (fwverify, kernelverify, bootpath, commit) without making
// the Trace field itself part of every call signature.
func (c *Context) TraceEvent(event string, kv ...any) { c.trace(event, kv...) }

// HasStatus reports whether every bit in mask is set in SharedState.Status.
func (c *Context) HasStatus(mask uint32) bool {
	return c.State.Status&mask == mask
}

// SetStatus ORs bits into SharedState.Status.
func (c *Context) SetStatus(mask uint32) {
	c.State.Status |= mask
}

// RequirePhase returns ErrPrecondition unless every bit in mask is
// already set, implementing the "skipping a phase with its status unset
// is a precondition error" rule of §5.
func (c *Context) RequirePhase(mask uint32) error {
	if !c.HasStatus(mask) {
		return ErrPrecondition
	}
	return nil
}

// SetRecoveryMode marks the boot as being in recovery mode.
func (c *Context) SetRecoveryMode() { c.State.ContextFlags.setRecoveryMode() }

// InRecovery reports whether the boot is currently in recovery mode.
func (c *Context) InRecovery() bool { return c.State.ContextFlags.RecoveryMode }

// Fail records a verification failure per the §7 propagation policy
// (also exercised by §8 property 8). It always tries to persist a
// recovery request, first-reason-wins; additionally, if a slot has
// already been chosen, the chosen slot is marked failed and the
// try_next fallback bit is flipped unless the alternate slot already
// failed. Because the recovery request is recorded in both cases, the
// next boot's check_recovery enters recovery mode whatever try_next says.
func (c *Context) Fail(reason uint16, subcode uint8) error {
	if c.NV == nil {
		return ErrPrecondition
	}

	existing, _ := c.NV.Get(nvdata.FieldRecoveryRequest)
	if existing == 0 {
		c.NV.Set(nvdata.FieldRecoveryRequest, uint32(reason))
		c.NV.Set(nvdata.FieldRecoverySubcode, uint32(subcode))
	}

	if c.HasStatus(StatusChoseSlot) {
		c.NV.Set(nvdata.FieldFwResult, nvdata.FwResultFailure)
		c.NV.Set(nvdata.FieldTryCount, 0)

		tryNext, _ := c.NV.Get(nvdata.FieldTryNext)
		other := 1 - tryNext
		prevTried, _ := c.NV.Get(nvdata.FieldFwPrevTried)
		prevResult, _ := c.NV.Get(nvdata.FieldFwPrevResult)
		if !(prevTried == other && prevResult == nvdata.FwResultFailure) {
			c.NV.Set(nvdata.FieldTryNext, other)
		}
	}
	return nil
}
