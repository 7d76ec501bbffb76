// Package bootpath implements the boot-path selector (§2, §4.7
// check_recovery / check_dev_switch, §4.8): given the engine state a
// firmware-verify Phase1 run has already computed, decide which of
// normal/developer/recovery/diagnostic to take. Per spec.md §2, only the
// normal path is core logic; the other three are UI collaborators (screens,
// keyboard input, confirmation prompts) that this package does not
// implement — it only decides which one applies and exposes the single
// operation every path eventually calls back into: TryLoadKernel.
package bootpath

import (
	"crypto/subtle"
	"errors"

	"github.com/openfw/vboot2/commit"
	"github.com/openfw/vboot2/fwverify"
	"github.com/openfw/vboot2/kernelverify"
	"github.com/openfw/vboot2/keys"
	"github.com/openfw/vboot2/nvdata"
	"github.com/openfw/vboot2/vctx"
)

// Path names one of the four boot paths.
type Path int

const (
	PathNormal Path = iota
	PathDeveloper
	PathRecovery
	PathDiagnostic
)

func (p Path) String() string {
	switch p {
	case PathNormal:
		return "normal"
	case PathDeveloper:
		return "developer"
	case PathRecovery:
		return "recovery"
	case PathDiagnostic:
		return "diagnostic"
	default:
		return "unknown"
	}
}

// Select dispatches on context state already established by
// fwverify.Phase1 (recovery mode, developer mode) and the NV diagnostic
// request flag. It does not itself read any external signal (keyboard,
// switch) — those are folded into context state by the caller before
// Select runs, per §4.7's check_recovery/check_dev_switch.
func Select(c *vctx.Context) Path {
	if c.InRecovery() {
		return PathRecovery
	}
	if diag, _ := c.NV.Get(nvdata.FieldDiagRequest); diag != 0 {
		return PathDiagnostic
	}
	if c.State.ContextFlags.DeveloperMode {
		return PathDeveloper
	}
	return PathNormal
}

// ErrBodyHash is returned by TryLoadKernel when a verified body's streamed
// hash fails to validate as a signature under its data key (§4.7 Body
// hash, §4.8 verify_kernel_data).
var ErrBodyHash = errors.New("bootpath: body signature did not verify")

// FirmwareInputs bundles the raw bytes a host reads via its own
// resource-read capability (§6 read_resource) and hands to TryLoadKernel.
// This package never performs the read itself.
type FirmwareInputs struct {
	NV              []byte
	SecdataFirmware []byte
	GBB             []byte
	RootKey         []byte
	Keyblock        []byte
	Preamble        []byte
	Body            []byte
}

// KernelInputs is FirmwareInputs's analogue for the kernel-verify stage.
// Body is supplied by the external LoadKernel collaborator (§1 Non-goals:
// GPT parsing, disk I/O, and kernel load from partitions are out of core
// scope); this package only verifies bytes it is given.
type KernelInputs struct {
	SecdataKernel []byte
	SecdataFwmp   []byte
	RecoveryKey   []byte
	Preamble      []byte
	Body          []byte
}

// Result reports the outcome of a successful TryLoadKernel run.
type Result struct {
	DeveloperRootKey bool
	FirmwareVersion  uint32
	KernelVersion    uint32
}

// TryLoadKernel drives the full firmware-verify → kernel-verify → commit
// pipeline for one boot attempt (§2 data flow). It is the single
// operation the normal path runs directly and the developer/recovery/
// diagnostic UI collaborators call back into once their own
// screen/confirmation logic is satisfied (§2: "only the normal path is in
// the core — the others are UI collaborators that call back into
// TryLoadKernel"). Every failure path commits whatever recovery request
// the failure helper recorded before returning, so a crashed or rebooted
// host still sees the reason on its next boot.
func TryLoadKernel(c *vctx.Context, fw FirmwareInputs, kern KernelInputs) (*Result, error) {
	if err := fwverify.Phase1(c, fw.NV, fw.SecdataFirmware, fw.GBB); err != nil {
		commit.Commit(c)
		return nil, err
	}

	devRootKey, err := fwverify.Phase2(c, fw.RootKey, fw.Keyblock)
	if err != nil {
		commit.Commit(c)
		return nil, err
	}

	pre, err := fwverify.Phase3(c, fw.Preamble)
	if err != nil {
		commit.Commit(c)
		return nil, err
	}

	dataKey, err := fwverify.DataKey(c)
	if err != nil {
		c.Fail(vctx.RecoveryFwBodyHash, 0)
		commit.Commit(c)
		return nil, err
	}
	if err := verifyBodyWithKey(c, dataKey, pre.BodySignature, fw.Body, vctx.RecoveryFwBodyHash); err != nil {
		commit.Commit(c)
		return nil, err
	}

	if err := kernelverify.Phase1(c, kern.SecdataKernel, kern.SecdataFwmp); err != nil {
		commit.Commit(c)
		return nil, err
	}

	kernKey, err := kernelverify.LoadKernelKey(c, pre.KernelSubkey, kern.RecoveryKey)
	if err != nil {
		commit.Commit(c)
		return nil, err
	}

	kernPre, err := kernelverify.VerifyPreamble(c, kernKey, kern.Preamble)
	if err != nil {
		commit.Commit(c)
		return nil, err
	}

	if err := verifyBodyWithKey(c, kernKey, kernPre.BodySignature, kern.Body, vctx.RecoveryKernelBodyHash); err != nil {
		commit.Commit(c)
		return nil, err
	}

	if err := kernelverify.Phase3(c); err != nil {
		commit.Commit(c)
		return nil, err
	}

	if err := commit.Commit(c); err != nil {
		return nil, err
	}

	return &Result{
		DeveloperRootKey: devRootKey,
		FirmwareVersion:  c.State.FirmwareVersion,
		KernelVersion:    c.State.KernelVersion,
	}, nil
}

func verifyBodyWithKey(c *vctx.Context, dataKey *keys.PublicKey, sig keys.BodySignature, body []byte, failReason uint16) error {
	hc, err := fwverify.InitHash(dataKey, sig)
	if err != nil {
		c.Fail(failReason, 0)
		return err
	}
	if err := hc.ExtendHash(body); err != nil {
		c.Fail(failReason, 0)
		return err
	}
	if err := hc.CheckHash(); err != nil {
		c.Fail(failReason, 0)
		return ErrBodyHash
	}
	return nil
}

// DiagnosticConfirm implements the diagnostic path's one piece of core
// logic: comparing a host-entered confirmation code against the expected
// value in constant time. Everything else about the diagnostic path (the
// screen that solicits the code) is a UI collaborator outside this
// engine's scope; this comparison is included because §9's design notes
// single out confirmation-code compares, not signature compares, as the
// place a production deployment should resist timing attacks.
func DiagnosticConfirm(entered, expected []byte) bool {
	if len(entered) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare(entered, expected) == 1
}
