// Package kernelverify implements the kernel-verify pipeline: loading the
// kernel subkey (from the firmware preamble in normal/developer mode, or
// the GBB recovery key in recovery mode), verifying the kernel preamble and
// body, and the roll-forward write to secdata_kernel (§2 data flow, §4.8).
package kernelverify

import (
	"errors"

	"github.com/openfw/vboot2/fwverify"
	"github.com/openfw/vboot2/keys"
	"github.com/openfw/vboot2/nvdata"
	"github.com/openfw/vboot2/rollback"
	"github.com/openfw/vboot2/secdata"
	"github.com/openfw/vboot2/vctx"
)

var (
	ErrKernelVersionRange = errors.New("kernelverify: kernel_version exceeds 16-bit range")
	ErrKernelRollback     = errors.New("kernelverify: kernel_version below secdata floor")
)

func secdataErrCode(err error) uint8 {
	switch err {
	case secdata.ErrBadLength:
		return 1
	case secdata.ErrCRC:
		return 2
	case secdata.ErrVersionRange:
		return 3
	default:
		return 0xFF
	}
}

// Phase1 runs secdata_kernel_init and, best-effort, secdata_fwmp_init
// (§4.8 kernel_phase1). An fwmp read failure is not itself fatal: a board
// with no enterprise enrollment has no FWMP blob to read, so Fwmp is left
// nil and every FwmpFlag check downstream treats that as "not set".
func Phase1(c *vctx.Context, secdataKernelBuf, secdataFwmpBuf []byte) error {
	if err := c.RequirePhase(vctx.StatusNVInit); err != nil {
		return err
	}

	sk, err := secdata.InitKernel(secdataKernelBuf)
	if err != nil {
		if !c.InRecovery() {
			c.Fail(vctx.RecoverySecdataKernelInit, secdataErrCode(err))
		}
		return err
	}
	c.SecdataKernel = sk
	c.SetStatus(vctx.StatusSecdataKernelInit)
	c.State.SecdataKernelVersion = sk.Versions()

	if fwmp, err := secdata.InitFwmp(secdataFwmpBuf); err == nil {
		c.SecdataFwmp = fwmp
	}

	return nil
}

// LoadKernelKey picks the kernel data key for this boot: the GBB recovery
// key while in recovery mode, or the kernel subkey carried in the verified
// firmware preamble otherwise (§4.8 load_kernel_vblock, first step). The
// chosen bytes are copied into the arena and the resulting span recorded
// in SharedState.KernelDataKey, the same allocate-then-read pattern
// fwverify runs for the firmware's own keys.
func LoadKernelKey(c *vctx.Context, firmwareKernelSubkey []byte, recoveryKeyBuf []byte) (*keys.PublicKey, error) {
	var keyBuf []byte
	if c.InRecovery() {
		keyBuf = recoveryKeyBuf
	} else {
		keyBuf = firmwareKernelSubkey
	}

	span, err := c.Arena.Alloc(uint32(len(keyBuf)))
	if err != nil {
		c.Fail(vctx.RecoveryFwPreamble, 0)
		return nil, err
	}
	arenaBuf, err := c.Arena.Bytes(span)
	if err != nil {
		c.Fail(vctx.RecoveryFwPreamble, 0)
		return nil, err
	}
	copy(arenaBuf, keyBuf)

	key, err := keys.UnpackKey(arenaBuf)
	if err != nil {
		c.Fail(vctx.RecoveryFwPreamble, 0)
		return nil, err
	}
	c.State.KernelDataKey = span
	return key, nil
}

// VerifyPreamble verifies the kernel preamble's signature under dataKey and
// applies the rollback floor, unless this boot is in recovery mode: a
// recovery kernel is not subject to the anti-rollback counter, since it
// neither reads from nor writes to secdata_kernel (§4.8 load_kernel_vblock).
// The preamble itself is read into the arena via the same "read header,
// grow to Size, re-read fully" sequence fwverify runs for the firmware
// preamble, with the resulting span kept in SharedState.KernelPreamble.
func VerifyPreamble(c *vctx.Context, dataKey *keys.PublicKey, preambleBuf []byte) (*keys.KernelPreamble, error) {
	if len(preambleBuf) < keys.KernelPreambleHeaderSize {
		c.Fail(vctx.RecoveryFwPreamble, 0)
		return nil, keys.ErrPreambleSize
	}
	preSpan, err := c.Arena.Alloc(keys.KernelPreambleHeaderSize)
	if err != nil {
		c.Fail(vctx.RecoveryFwPreamble, 0)
		return nil, err
	}
	preHdr, err := c.Arena.Bytes(preSpan)
	if err != nil {
		c.Fail(vctx.RecoveryFwPreamble, 0)
		return nil, err
	}
	copy(preHdr, preambleBuf[:keys.KernelPreambleHeaderSize])

	size, err := keys.ParseKernelPreambleHeader(preHdr)
	if err != nil {
		c.Fail(vctx.RecoveryFwPreamble, 0)
		return nil, err
	}
	if size > uint32(len(preambleBuf)) {
		c.Fail(vctx.RecoveryFwPreamble, 0)
		return nil, keys.ErrPreambleSize
	}
	preSpan, err = c.Arena.ReallocLast(preSpan, size)
	if err != nil {
		c.Fail(vctx.RecoveryFwPreamble, 0)
		return nil, err
	}
	preFull, err := c.Arena.Bytes(preSpan)
	if err != nil {
		c.Fail(vctx.RecoveryFwPreamble, 0)
		return nil, err
	}
	copy(preFull, preambleBuf[:size])

	pre, err := keys.VerifyKernelPreamble(preFull, dataKey)
	if err != nil {
		c.Fail(vctx.RecoveryFwPreamble, 0)
		return nil, err
	}
	c.State.KernelPreamble = preSpan

	if pre.KernelVersion > 0xffff {
		c.Fail(vctx.RecoveryFwPreamble, 0)
		return nil, ErrKernelVersionRange
	}

	c.State.KernelVersion = pre.KernelVersion

	if !c.InRecovery() {
		if !rollback.Allowed(pre.KernelVersion, c.SecdataKernel.Versions(), false) {
			c.Fail(vctx.RecoveryFwPreamble, 0)
			return nil, ErrKernelRollback
		}
	}

	c.State.KernelSigned = true
	c.TraceEvent("kernel:preamble-verified", "kernel_version", pre.KernelVersion)
	return pre, nil
}

// InitHash and its ExtendHash/CheckHash methods stream the kernel body
// through its signature exactly as the firmware body does; the hashing and
// signature-verification rule is the same rule in both pipelines (§4.7 Body
// hash, §4.8 verify_kernel_data), so this package reuses fwverify's type
// rather than duplicating it.
type BodyHashContext = fwverify.BodyHashContext

func InitHash(dataKey *keys.PublicKey, sig keys.BodySignature) (*BodyHashContext, error) {
	return fwverify.InitHash(dataKey, sig)
}

// Phase3 applies the kernel roll-forward rule (§4.8 kernel_phase3, §8
// property 10): skipped outright while the firmware result for this boot is
// still TRYING (the firmware itself hasn't proven stable yet), and
// otherwise gated on KernelRollForwardAllowed (newer than secdata, this
// boot's preamble signature verified, not in recovery, and the context's
// AllowKernelRollForward policy bit — no slot or last-boot-result term:
// kernel loading has no A/B slot concept, unlike firmware's Phase3), with
// the written version capped by nv.kernel_max_rollforward via
// rollback.CapKernelRollForward.
func Phase3(c *vctx.Context) error {
	fwResult, _ := c.NV.Get(nvdata.FieldFwResult)
	if fwResult == nvdata.FwResultTrying {
		return nil
	}

	secdataStart := c.State.SecdataKernelVersion

	if !rollback.KernelRollForwardAllowed(
		c.State.KernelVersion, c.SecdataKernel.Versions(),
		c.State.KernelSigned,
		c.InRecovery(),
		c.State.ContextFlags.AllowKernelRollForward,
	) {
		return nil
	}

	maxRollforward, _ := c.NV.Get(nvdata.FieldKernelMaxRollforward)
	written := rollback.CapKernelRollForward(c.State.KernelVersion, maxRollforward, secdataStart)
	c.TraceEvent("kernel:roll-forward", "written", written)
	return c.SecdataKernel.SetVersions(written)
}
