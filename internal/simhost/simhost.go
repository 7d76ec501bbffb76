// Package simhost implements vctx.Capabilities over in-memory byte
// regions, standing in for the flash/TPM backing store a real board would
// provide (§6 External interfaces). It is the one piece of cmd/vbootsim
// that plays the host side of the capability boundary spec.md draws
// around the engine (§1 "the TPM / secure-storage backing driver -- a
// key/value-style abstract interface").
package simhost

import (
	"errors"

	"github.com/openfw/vboot2/internal/fixture"
	"github.com/openfw/vboot2/nvdata"
	"github.com/openfw/vboot2/secdata"
	"github.com/openfw/vboot2/vctx"
)

var ErrOutOfRange = errors.New("simhost: resource read out of range")

// Host holds the simulated flash and secure-storage regions for one boot
// attempt, plus injectable write failures for driving the commit-hook
// error paths (§4.9, §8 property 8).
type Host struct {
	GBB      []byte
	FWVblock []byte

	NV              [nvdata.Size]byte
	SecdataFirmware [secdata.FirmwareSize]byte
	SecdataKernel   [secdata.KernelSize]byte

	FailTPMClearOwner      bool
	FailWriteNV            bool
	FailWriteSecdataFw     bool
	FailWriteSecdataKernel bool

	// Writes records every WriteNV/WriteSecdataFirmware/WriteSecdataKernel
	// call the commit hook made, in order, so a caller can show exactly
	// what reached "persistent" storage this boot.
	Writes []string
}

// New builds a Host preloaded from a fixture.Scenario, as if a board had
// already been provisioned with that GBB, vblock, NV, and secdata content.
func New(s *fixture.Scenario) *Host {
	h := &Host{GBB: s.GBBRegion, FWVblock: s.FWVblockRegion}
	copy(h.NV[:], s.NV)
	copy(h.SecdataFirmware[:], s.SecdataFirmware)
	copy(h.SecdataKernel[:], s.SecdataKernel)
	return h
}

func (h *Host) ReadResource(res vctx.Resource, offset, size uint32) ([]byte, error) {
	var region []byte
	switch res {
	case vctx.ResourceGBB:
		region = h.GBB
	case vctx.ResourceFWVblock:
		region = h.FWVblock
	default:
		return nil, ErrOutOfRange
	}
	end := offset + size
	if end < offset || int(end) > len(region) {
		return nil, ErrOutOfRange
	}
	out := make([]byte, size)
	copy(out, region[offset:end])
	return out, nil
}

func (h *Host) TPMClearOwner() error {
	if h.FailTPMClearOwner {
		return errors.New("simhost: tpm_clear_owner injected failure")
	}
	return nil
}

func (h *Host) TPMSetMode(vctx.TPMMode) error { return nil }

func (h *Host) WriteNV(buf [nvdata.Size]byte) error {
	if h.FailWriteNV {
		return errors.New("simhost: nv write injected failure")
	}
	h.NV = buf
	h.Writes = append(h.Writes, "nv")
	return nil
}

func (h *Host) WriteSecdataFirmware(buf [secdata.FirmwareSize]byte) error {
	if h.FailWriteSecdataFw {
		return errors.New("simhost: secdata_firmware write injected failure")
	}
	h.SecdataFirmware = buf
	h.Writes = append(h.Writes, "secdata_firmware")
	return nil
}

func (h *Host) WriteSecdataKernel(buf [secdata.KernelSize]byte) error {
	if h.FailWriteSecdataKernel {
		return errors.New("simhost: secdata_kernel write injected failure")
	}
	h.SecdataKernel = buf
	h.Writes = append(h.Writes, "secdata_kernel")
	return nil
}

var _ vctx.Capabilities = (*Host)(nil)
