// Package ecsync translates an EC software-sync collaborator's failure into
// a recovery request with the right subcode. EC sync itself — hashing,
// updating, and jumping to the embedded controller's RW image — stays an
// external collaborator (interface-only, per spec.md's Non-goals); this
// package only carries forward the reference firmware's named failure
// reasons (vb2_ec_sync_tests.c) so the engine can still distinguish them
// after they cross the capability boundary.
package ecsync

import "github.com/openfw/vboot2/vctx"

// FailureKind names why a host's EC sync collaborator gave up, mirroring
// the reference firmware's distinct mock failure paths: a hash mismatch
// between the running and expected EC image, an update that failed to
// write, a jump to RW that didn't take, a protect call that failed, a
// get-expected-hash call that errored, an invalid image selector, and a
// hash of the wrong size.
type FailureKind uint8

const (
	FailureHash FailureKind = iota + 1
	FailureUpdate
	FailureJump
	FailureProtect
	FailureExpected
	FailureImage
	FailureSize
)

func (k FailureKind) String() string {
	switch k {
	case FailureHash:
		return "hash"
	case FailureUpdate:
		return "update"
	case FailureJump:
		return "jump"
	case FailureProtect:
		return "protect"
	case FailureExpected:
		return "expected"
	case FailureImage:
		return "image"
	case FailureSize:
		return "size"
	default:
		return "unknown"
	}
}

// Fail records an EC-sync recovery request with kind as the subcode,
// following the same first-reason-wins, per-slot bookkeeping every other
// verification failure goes through (vctx.Context.Fail).
func Fail(c *vctx.Context, kind FailureKind) error {
	c.TraceEvent("ecsync:failure", "kind", kind.String())
	return c.Fail(vctx.RecoveryECSync, uint8(kind))
}
