// Package commit implements the single call site that persists changed NV
// flags and secure-storage records back through the host's write
// callbacks (§4.9 Commit hook).
package commit

import "github.com/openfw/vboot2/vctx"

// Commit flushes NV first, then each changed secure-storage space, in that
// order (§4.9: "flushes NV first, then each changed secure-storage
// space"). An nv-write failure is fatal unless the boot is already in
// recovery: the engine cannot record a recovery request without NV write
// access, matching SPEC_FULL.md's resolution of the nv_write open
// question (intent over the source's literal fallthrough). A
// secdata-firmware-write or secdata-kernel-write failure outside recovery
// instead marks a recovery request and re-invokes Commit exactly once to
// try to persist it; if that retry also fails, the error is returned to
// the caller uncommitted.
func Commit(c *vctx.Context) error {
	return commit(c, false)
}

func commit(c *vctx.Context, retrying bool) error {
	if c.NV != nil && c.NV.Changed() {
		buf := c.NV.Flush()
		if err := c.Caps.WriteNV(buf); err != nil {
			if !c.InRecovery() {
				return vctx.ErrFatalNVWrite
			}
			return err
		}
		c.TraceEvent("commit:nv")
	}

	if c.SecdataFirmware != nil && c.SecdataFirmware.Changed() {
		buf := c.SecdataFirmware.Flush()
		if err := c.Caps.WriteSecdataFirmware(buf); err != nil {
			return retryOnce(c, retrying, err, func() error { return c.Caps.WriteSecdataFirmware(buf) })
		}
		c.TraceEvent("commit:secdata-firmware")
	}

	if c.SecdataKernel != nil && c.SecdataKernel.Changed() {
		buf := c.SecdataKernel.Flush()
		if err := c.Caps.WriteSecdataKernel(buf); err != nil {
			return retryOnce(c, retrying, err, func() error { return c.Caps.WriteSecdataKernel(buf) })
		}
		c.TraceEvent("commit:secdata-kernel")
	}

	return nil
}

// retryOnce implements the §4.9 secdata-write retry contract: record a
// rw-tpm-w-error recovery request (first attempt only), re-run the whole
// commit sequence once, since the recovery request itself changed NV and
// needs flushing too, and then repeat the failed write with rewrite. The
// failed space's changed bit was already cleared by its Flush, so the
// re-run alone does not write that space again.
func retryOnce(c *vctx.Context, retrying bool, writeErr error, rewrite func() error) error {
	if retrying {
		return writeErr
	}
	if !c.InRecovery() {
		c.Fail(vctx.RecoveryRWTPMWriteError, 0)
	}
	if err := commit(c, true); err != nil {
		return err
	}
	return rewrite()
}
