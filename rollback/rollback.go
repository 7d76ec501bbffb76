// Package rollback holds the comparison, capping, and gating rules
// shared by the firmware- and kernel-verify pipelines (§4.7 Phase 3,
// §4.8 kernel_phase3, §9 kernel_max_rollforward open question).
package rollback

// Allowed reports whether candidate may be accepted given the current
// secdata floor, honoring a policy override that disables the check
// entirely (GBB's disable_fw_rollback_check, or its kernel analogue).
func Allowed(candidate, floor uint32, checkDisabled bool) bool {
	return checkDisabled || candidate >= floor
}

// RollForwardAllowed implements the firmware roll-forward gate of §4.7
// Phase 3 / §8 property 9: a version may advance to secdata iff it is
// newer than what secdata holds, the previous boot tried the same slot,
// that boot succeeded, the current boot is not in recovery, and policy
// allows it. This gate is firmware-specific: it exists because firmware
// actually has A/B slots and a last-boot-result record to consult.
func RollForwardAllowed(candidate, secdataVersion uint32, lastSlot, currentSlot int, lastBootSucceeded, inRecovery, policyAllows bool) bool {
	return candidate > secdataVersion &&
		lastSlot == currentSlot &&
		lastBootSucceeded &&
		!inRecovery &&
		policyAllows
}

// KernelRollForwardAllowed implements the kernel roll-forward gate of
// §4.8 kernel_phase3: iff kernel_version > secdata_kernel.version ∧
// SD.kernel_signed ∧ ¬recovery ∧ context.allow_kernel_roll_forward.
// Unlike RollForwardAllowed, this has no slot or last-boot-result term:
// the reference firmware's vb2api_kernel_phase3 (lib20/api_kernel.c)
// checks only the version comparison, the VB2_SD_FLAG_KERNEL_SIGNED
// flag, recovery mode, and the policy bit — kernel loading has no A/B
// slot concept in this engine's data model (§3 SharedState tracks only
// a firmware slot).
func KernelRollForwardAllowed(candidate, secdataVersion uint32, signed, inRecovery, policyAllows bool) bool {
	return candidate > secdataVersion &&
		signed &&
		!inRecovery &&
		policyAllows
}

// unlimitedRollforward is the NV default sentinel meaning "no cap"
// (§9: "confirm the intended behavior when the NV default (0xffffffff)
// is present"). SPEC_FULL.md resolves this as: 0xffffffff is treated as
// an unbounded cap, not as a literal 32-bit ceiling that could itself be
// exceeded by a TPM counter — so it never itself constrains the result.
const unlimitedRollforward = 0xffffffff

// CapKernelRollForward computes the version actually written to secdata
// after a successful kernel load (§4.8, §8 property 10): the written
// version is min(kernelVersionTPM, max(maxRollforward, secdataStart)).
// The cap never allows the counter to move backward below its value at
// the start of this boot (secdataStart): it limits how far a version may
// roll *forward*, never roll *back*.
func CapKernelRollForward(kernelVersionTPM, maxRollforward, secdataStart uint32) uint32 {
	if maxRollforward == unlimitedRollforward {
		// max(unlimited, secdataStart) is unlimited, so the min with
		// kernelVersionTPM always resolves to kernelVersionTPM itself.
		return kernelVersionTPM
	}
	cap := maxRollforward
	if cap < secdataStart {
		cap = secdataStart
	}
	if kernelVersionTPM < cap {
		return kernelVersionTPM
	}
	return cap
}
