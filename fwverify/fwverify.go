// Package fwverify implements the firmware-verify pipeline: the three
// phases that take a boot attempt from a freshly-initialized Context
// through a verified, rollback-checked firmware body hash context
// (§2 data flow, §4.7).
package fwverify

import (
	"errors"

	"github.com/openfw/vboot2/arena"
	"github.com/openfw/vboot2/digest"
	"github.com/openfw/vboot2/gbb"
	"github.com/openfw/vboot2/keys"
	"github.com/openfw/vboot2/nvdata"
	"github.com/openfw/vboot2/rollback"
	"github.com/openfw/vboot2/secdata"
	"github.com/openfw/vboot2/vctx"
)

var (
	ErrTPMClearOwner  = errors.New("fwverify: tpm_clear_owner failed with valid secdata")
	ErrKeyVersionRange = errors.New("fwverify: key_version exceeds 16-bit range")
	ErrFwKeyRollback  = errors.New("fwverify: data_key.key_version below secdata floor")
	ErrPreambleVersionRange = errors.New("fwverify: firmware_version exceeds 16-bit range")
	ErrFwRollback     = errors.New("fwverify: firmware_version below secdata floor")
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

// Phase1 runs the preflight sequence: nv_init, secdata_firmware_init,
// check_recovery, fw_init_gbb, check_dev_switch, check_tpm_clear,
// select_fw_slot (§4.7 Phase 1).
func Phase1(c *vctx.Context, nvBuf, secdataFirmwareBuf, gbbBuf []byte) error {
	nv, err := nvdata.Init(nvBuf)
	if err != nil {
		return err
	}
	c.NV = nv
	c.SetStatus(vctx.StatusNVInit)

	sd, err := secdata.InitFirmware(secdataFirmwareBuf)
	if err != nil {
		if !c.InRecovery() {
			c.Fail(vctx.RecoverySecdataFirmwareInit, secdataErrCode(err))
		}
		return err
	}
	c.SecdataFirmware = sd
	c.SetStatus(vctx.StatusSecdataFirmwareInit)
	c.State.SecdataFwVersion = sd.Versions()

	checkRecovery(c)
	c.TraceEvent("phase1:recovery-check", "reason", c.State.RecoveryReason, "in_recovery", c.InRecovery())

	header, err := initGBB(c, gbbBuf)
	if err != nil {
		c.Fail(vctx.RecoveryNotRequested, 0)
		return err
	}
	c.GBB = header

	if err := checkDevSwitch(c, header); err != nil {
		return err
	}
	c.TraceEvent("phase1:dev-switch", "developer", c.State.ContextFlags.DeveloperMode)

	selectFwSlot(c)
	c.TraceEvent("slot:selected", "slot", c.State.SelectedFwSlot)
	return nil
}

// initGBB implements §4.6 fw_init_gbb: the header is allocated in the
// arena and read into it, validated there, and then the allocation is
// narrowed down to just the fixed struct it turned out to need, so the
// bytes beyond HeaderSize a resource read may have carried are reclaimed
// for the next phase's allocations.
func initGBB(c *vctx.Context, gbbBuf []byte) (*gbb.Header, error) {
	span, err := c.Arena.Alloc(uint32(len(gbbBuf)))
	if err != nil {
		return nil, err
	}
	raw, err := c.Arena.Bytes(span)
	if err != nil {
		return nil, err
	}
	copy(raw, gbbBuf)

	header, err := gbb.Parse(raw)
	if err != nil {
		c.Arena.FreeLast(span)
		return nil, err
	}

	span, err = c.Arena.ReallocLast(span, gbb.HeaderSize)
	if err != nil {
		return nil, err
	}
	c.State.GBBHeader = span
	return header, nil
}

// checkRecovery implements §4.7 check_recovery: the effective recovery
// reason is whichever of the listed sources is set first.
func checkRecovery(c *vctx.Context) {
	if c.State.RecoveryReason == 0 {
		if req, _ := c.NV.Get(nvdata.FieldRecoveryRequest); req != 0 {
			c.State.RecoveryReason = uint16(req)
		} else if c.State.ContextFlags.ManualRecoveryRequest {
			subcode, _ := c.NV.Get(nvdata.FieldRecoverySubcode)
			if subcode == 0 {
				c.State.RecoveryReason = vctx.RecoveryROManual
			} else {
				c.State.RecoveryReason = uint16(subcode)
			}
		}
	}
	if c.State.RecoveryReason != 0 {
		c.SetRecoveryMode()
	}
}

// checkDevSwitch implements §4.7 check_dev_switch.
func checkDevSwitch(c *vctx.Context, header *gbb.Header) error {
	before := c.SecdataFirmware.DevMode()
	effective := before

	if reqVal, _ := c.NV.Get(nvdata.FieldDisableDevRequest); reqVal != 0 {
		effective = false
		c.NV.Set(nvdata.FieldDisableDevRequest, 0)
	}
	if c.State.ContextFlags.DisableDeveloperMode {
		effective = false
	}
	if header.HasFlag(gbb.FlagForceDevSwitchOn) {
		effective = true
	}

	if effective != before {
		c.SecdataFirmware.SetDevMode(effective)
		if err := c.Caps.TPMClearOwner(); err != nil {
			c.Fail(vctx.RecoveryTPMClearOwner, 0)
			return ErrTPMClearOwner
		}
	}

	c.State.ContextFlags.DeveloperMode = effective
	c.State.LastBootDeveloper = effective
	return nil
}

// selectFwSlot implements §4.7 select_fw_slot.
func selectFwSlot(c *vctx.Context) {
	lastTried, _ := c.NV.Get(nvdata.FieldFwTried)
	lastResult, _ := c.NV.Get(nvdata.FieldFwResult)
	c.NV.Set(nvdata.FieldFwPrevTried, lastTried)
	c.NV.Set(nvdata.FieldFwPrevResult, lastResult)
	c.NV.Set(nvdata.FieldFwResult, nvdata.FwResultUnknown)

	// Remembered for Phase3's roll-forward gate (§4.7 Phase 3): a version
	// may only roll forward if the previous boot tried the same slot and
	// succeeded.
	c.State.LastFwSlot = int(lastTried)
	c.State.LastFwResult = int(lastResult)

	tryNext, _ := c.NV.Get(nvdata.FieldTryNext)
	tryCount, _ := c.NV.Get(nvdata.FieldTryCount)

	chosen := tryNext
	if lastResult == nvdata.FwResultTrying && lastTried == tryNext && tryCount == 0 {
		chosen = 1 - tryNext
		c.NV.Set(nvdata.FieldTryNext, chosen)
	}

	if tryCount > 0 {
		c.NV.Set(nvdata.FieldFwResult, nvdata.FwResultTrying)
		if !c.State.ContextFlags.NoFailBoot {
			c.NV.Set(nvdata.FieldTryCount, tryCount-1)
		}
	}

	c.NV.Set(nvdata.FieldFwTried, chosen)
	c.State.SelectedFwSlot = int(chosen)
	c.SetStatus(vctx.StatusChoseSlot)
	c.State.ContextFlags.FwSlotB = chosen == 1
}

// Phase2 loads and verifies the firmware keyblock (§4.7 Phase 2): the
// root key and keyblock are both read into the arena, the keyblock via
// the "read header, grow to keyblock_size, re-read fully" sequence, and
// once the keyblock verifies, its still-packed data key is moved down
// over the now-unneeded root key bytes and the resulting span recorded
// in SharedState for Phase3 to resolve.
func Phase2(c *vctx.Context, rootKeyBuf, keyblockBuf []byte) (developerRootKey bool, err error) {
	if err := c.RequirePhase(vctx.StatusChoseSlot); err != nil {
		return false, err
	}

	rootKeySpan, err := c.Arena.Alloc(uint32(len(rootKeyBuf)))
	if err != nil {
		c.Fail(vctx.RecoveryFwKeyblock, 0)
		return false, err
	}
	rootKeyArena, err := c.Arena.Bytes(rootKeySpan)
	if err != nil {
		c.Fail(vctx.RecoveryFwKeyblock, 0)
		return false, err
	}
	copy(rootKeyArena, rootKeyBuf)

	rootKey, err := keys.UnpackKey(rootKeyArena)
	if err != nil {
		c.Fail(vctx.RecoveryFwKeyblock, 0)
		return false, err
	}

	if len(keyblockBuf) < keys.KeyblockHeaderSize {
		c.Fail(vctx.RecoveryFwKeyblock, 0)
		return false, keys.ErrKeyblockSize
	}
	kbSpan, err := c.Arena.Alloc(keys.KeyblockHeaderSize)
	if err != nil {
		c.Fail(vctx.RecoveryFwKeyblock, 0)
		return false, err
	}
	kbHdr, err := c.Arena.Bytes(kbSpan)
	if err != nil {
		c.Fail(vctx.RecoveryFwKeyblock, 0)
		return false, err
	}
	copy(kbHdr, keyblockBuf[:keys.KeyblockHeaderSize])

	size, err := keys.ParseKeyblockHeader(kbHdr)
	if err != nil {
		c.Fail(vctx.RecoveryFwKeyblock, 0)
		return false, err
	}
	if size > uint32(len(keyblockBuf)) {
		c.Fail(vctx.RecoveryFwKeyblock, 0)
		return false, keys.ErrKeyblockSize
	}
	kbSpan, err = c.Arena.ReallocLast(kbSpan, size)
	if err != nil {
		c.Fail(vctx.RecoveryFwKeyblock, 0)
		return false, err
	}
	kbFull, err := c.Arena.Bytes(kbSpan)
	if err != nil {
		c.Fail(vctx.RecoveryFwKeyblock, 0)
		return false, err
	}
	copy(kbFull, keyblockBuf[:size])

	kb, err := keys.VerifyKeyblock(kbFull, rootKey)
	if err != nil {
		c.Fail(vctx.RecoveryFwKeyblock, 0)
		return false, err
	}

	developerRootKey = keys.IsDeveloperRootKey(rootKey)

	if kb.DataKeyVersion > 0xffff {
		c.Fail(vctx.RecoveryFwKeyblock, 0)
		return developerRootKey, ErrKeyVersionRange
	}

	floor := c.SecdataFirmware.Versions() >> 16
	if !rollback.Allowed(kb.DataKeyVersion, floor, c.GBB.HasFlag(gbb.FlagDisableFwRollbackCheck)) {
		c.Fail(vctx.RecoveryFwKeyRollback, 0)
		return developerRootKey, ErrFwKeyRollback
	}

	dataKeySpan, err := c.Arena.Move(arena.Span{Offset: kbSpan.Offset + kb.DataKeyOffset, Size: kb.DataKeySize}, rootKeySpan.Offset)
	if err != nil {
		c.Fail(vctx.RecoveryFwKeyblock, 0)
		return developerRootKey, err
	}
	c.State.FwDataKey = dataKeySpan

	c.State.FirmwareVersion = kb.DataKeyVersion << 16
	c.TraceEvent("phase2:keyblock-verified", "key_version", kb.DataKeyVersion, "developer_root_key", developerRootKey)
	return developerRootKey, nil
}

// DataKey resolves the firmware data key Phase2 extracted, reading its
// bytes back out of the arena span it recorded in SharedState.FwDataKey.
// Phase3 and the body-hash stage both call this rather than being handed
// the data key bytes a second time by the caller.
func DataKey(c *vctx.Context) (*keys.PublicKey, error) {
	buf, err := c.Arena.Bytes(c.State.FwDataKey)
	if err != nil {
		return nil, err
	}
	return keys.UnpackKey(buf)
}

// Phase3 loads and verifies the firmware preamble, applying the
// rollback and roll-forward rules of §4.7 Phase 3. The preamble is read
// into the arena via the same "read header, grow to Size, re-read fully"
// sequence Phase2 runs for the keyblock, and the resulting span is kept
// in SharedState so pre.KernelSubkey (a slice into the verified preamble)
// stays valid past this call.
func Phase3(c *vctx.Context, preambleBuf []byte) (*keys.FwPreamble, error) {
	dataKey, err := DataKey(c)
	if err != nil {
		c.Fail(vctx.RecoveryFwPreamble, 0)
		return nil, err
	}

	if len(preambleBuf) < keys.FwPreambleHeaderSize {
		c.Fail(vctx.RecoveryFwPreamble, 0)
		return nil, keys.ErrPreambleSize
	}
	preSpan, err := c.Arena.Alloc(keys.FwPreambleHeaderSize)
	if err != nil {
		c.Fail(vctx.RecoveryFwPreamble, 0)
		return nil, err
	}
	preHdr, err := c.Arena.Bytes(preSpan)
	if err != nil {
		c.Fail(vctx.RecoveryFwPreamble, 0)
		return nil, err
	}
	copy(preHdr, preambleBuf[:keys.FwPreambleHeaderSize])

	size, err := keys.ParseFwPreambleHeader(preHdr)
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

	pre, err := keys.VerifyFwPreamble(preFull, dataKey)
	if err != nil {
		c.Fail(vctx.RecoveryFwPreamble, 0)
		return nil, err
	}
	c.State.FwPreamble = preSpan

	if pre.FirmwareVersion > 0xffff {
		c.Fail(vctx.RecoveryFwPreamble, 0)
		return nil, ErrPreambleVersionRange
	}

	c.State.FirmwareVersion |= pre.FirmwareVersion

	if !rollback.Allowed(c.State.FirmwareVersion, c.SecdataFirmware.Versions(), c.GBB.HasFlag(gbb.FlagDisableFwRollbackCheck)) {
		c.Fail(vctx.RecoveryFwPreambleRollback, 0)
		return nil, ErrFwRollback
	}

	rolledForward := rollback.RollForwardAllowed(
		c.State.FirmwareVersion, c.SecdataFirmware.Versions(),
		c.State.LastFwSlot, c.State.SelectedFwSlot,
		c.State.LastFwResult == nvdata.FwResultSuccess,
		c.InRecovery(),
		true,
	)
	if rolledForward {
		c.SecdataFirmware.SetVersions(c.State.FirmwareVersion)
	}
	c.TraceEvent("phase3:preamble-verified", "firmware_version", c.State.FirmwareVersion, "rolled_forward", rolledForward)

	return pre, nil
}

// BodyHashContext carries the streaming digest state for the firmware
// body, backed by the preamble's body_signature (§4.7 Body hash).
type BodyHashContext struct {
	digestCtx *digest.Context
	dataKey   *keys.PublicKey
	sig       keys.BodySignature
	extended  uint32
}

// InitHash begins streaming the firmware body through the data key's
// hash algorithm.
func InitHash(dataKey *keys.PublicKey, sig keys.BodySignature) (*BodyHashContext, error) {
	ctx, err := digest.Init(dataKey.HashAlg)
	if err != nil {
		return nil, err
	}
	return &BodyHashContext{digestCtx: ctx, dataKey: dataKey, sig: sig}, nil
}

// ExtendHash feeds the next chunk of the firmware body through the digest.
func (b *BodyHashContext) ExtendHash(buf []byte) error {
	if err := b.digestCtx.Extend(buf); err != nil {
		return err
	}
	b.extended += uint32(len(buf))
	return nil
}

// CheckHash finalizes the digest and verifies it as a signature under the
// data key, per §4.7: "the body signature is verified as a signature, not
// just a hash".
func (b *BodyHashContext) CheckHash() error {
	if b.extended != b.sig.DataSize {
		return keys.ErrPreambleSize
	}
	out := make([]byte, digest.Size(b.dataKey.HashAlg))
	n, err := b.digestCtx.Finalize(out)
	if err != nil {
		return err
	}
	return keys.VerifyDigest(b.dataKey, b.sig.Sig, out[:n])
}
