package ecsync

import (
	"testing"

	"github.com/openfw/vboot2/nvdata"
	"github.com/openfw/vboot2/secdata"
	"github.com/openfw/vboot2/vctx"
)

type fakeCaps struct{}

func (fakeCaps) ReadResource(vctx.Resource, uint32, uint32) ([]byte, error) { return nil, nil }
func (fakeCaps) TPMClearOwner() error                                      { return nil }
func (fakeCaps) TPMSetMode(vctx.TPMMode) error                             { return nil }
func (fakeCaps) WriteNV([nvdata.Size]byte) error                           { return nil }
func (fakeCaps) WriteSecdataFirmware([secdata.FirmwareSize]byte) error     { return nil }
func (fakeCaps) WriteSecdataKernel([secdata.KernelSize]byte) error         { return nil }

func TestFailRecordsReasonAndSubcode(t *testing.T) {
	cases := []struct {
		name string
		kind FailureKind
		want string
	}{
		{"hash", FailureHash, "hash"},
		{"update", FailureUpdate, "update"},
		{"jump", FailureJump, "jump"},
		{"protect", FailureProtect, "protect"},
		{"expected", FailureExpected, "expected"},
		{"image", FailureImage, "image"},
		{"size", FailureSize, "size"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.kind.String(); got != tc.want {
				t.Fatalf("String() = %q, want %q", got, tc.want)
			}

			c, err := vctx.New(make([]byte, 4096), fakeCaps{})
			if err != nil {
				t.Fatal(err)
			}
			nv, err := nvdata.Init(make([]byte, nvdata.Size))
			if err != nil {
				t.Fatal(err)
			}
			c.NV = nv

			if err := Fail(c, tc.kind); err != nil {
				t.Fatalf("Fail: %v", err)
			}

			reason, _ := c.NV.Get(nvdata.FieldRecoveryRequest)
			if reason != uint32(vctx.RecoveryECSync) {
				t.Fatalf("recovery_request = %d, want %d", reason, vctx.RecoveryECSync)
			}
			subcode, _ := c.NV.Get(nvdata.FieldRecoverySubcode)
			if subcode != uint32(tc.kind) {
				t.Fatalf("recovery_subcode = %d, want %d", subcode, tc.kind)
			}
		})
	}
}

func TestFailFirstReasonWins(t *testing.T) {
	c, err := vctx.New(make([]byte, 4096), fakeCaps{})
	if err != nil {
		t.Fatal(err)
	}
	nv, err := nvdata.Init(make([]byte, nvdata.Size))
	if err != nil {
		t.Fatal(err)
	}
	c.NV = nv

	if err := Fail(c, FailureHash); err != nil {
		t.Fatal(err)
	}
	if err := Fail(c, FailureJump); err != nil {
		t.Fatal(err)
	}

	subcode, _ := c.NV.Get(nvdata.FieldRecoverySubcode)
	if subcode != uint32(FailureHash) {
		t.Fatalf("recovery_subcode = %d, want %d (first reason should win)", subcode, FailureHash)
	}
}
