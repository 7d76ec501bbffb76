package commit

import (
	"errors"
	"testing"

	"github.com/openfw/vboot2/internal/crc8"
	"github.com/openfw/vboot2/nvdata"
	"github.com/openfw/vboot2/secdata"
	"github.com/openfw/vboot2/vctx"
)

var errWrite = errors.New("commit: simulated write failure")

type fakeCaps struct {
	nvErr             error
	secdataFirmErr    error
	failFirmwareOnce  bool
	firmwareAttempts  int
	nvWrites          int
	secdataFirmWrites int
	secdataKernWrites int
}

func (f *fakeCaps) ReadResource(vctx.Resource, uint32, uint32) ([]byte, error) { return nil, nil }
func (f *fakeCaps) TPMClearOwner() error                                      { return nil }
func (f *fakeCaps) TPMSetMode(vctx.TPMMode) error                             { return nil }

func (f *fakeCaps) WriteNV([nvdata.Size]byte) error {
	f.nvWrites++
	return f.nvErr
}

func (f *fakeCaps) WriteSecdataFirmware([secdata.FirmwareSize]byte) error {
	f.secdataFirmWrites++
	f.firmwareAttempts++
	if f.failFirmwareOnce && f.firmwareAttempts == 1 {
		return f.secdataFirmErr
	}
	return nil
}

func (f *fakeCaps) WriteSecdataKernel([secdata.KernelSize]byte) error {
	f.secdataKernWrites++
	return nil
}

func newContext(t *testing.T, caps vctx.Capabilities) *vctx.Context {
	t.Helper()
	c, err := vctx.New(make([]byte, 256), caps)
	if err != nil {
		t.Fatal(err)
	}
	nv, err := nvdata.Init(make([]byte, nvdata.Size))
	if err != nil {
		t.Fatal(err)
	}
	c.NV = nv
	return c
}

func TestCommitSkipsUnchangedSpaces(t *testing.T) {
	caps := &fakeCaps{}
	c := newContext(t, caps)
	// nvdata.Init resets a zero buffer and marks it changed; flush that
	// away so the record is unchanged when Commit runs.
	c.NV.Flush()

	if err := Commit(c); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if caps.nvWrites != 0 {
		t.Fatalf("nv writes = %d, want 0 for an unchanged record", caps.nvWrites)
	}
}

func TestCommitFlushesChangedNV(t *testing.T) {
	caps := &fakeCaps{}
	c := newContext(t, caps)
	c.NV.Set(nvdata.FieldDiagRequest, 1)

	if err := Commit(c); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if caps.nvWrites != 1 {
		t.Fatalf("nv writes = %d, want 1", caps.nvWrites)
	}
	if c.NV.Changed() {
		t.Fatal("expected changed bit cleared after a successful commit")
	}
}

func TestCommitNVWriteFatalOutsideRecovery(t *testing.T) {
	caps := &fakeCaps{nvErr: errWrite}
	c := newContext(t, caps)
	c.NV.Set(nvdata.FieldDiagRequest, 1)

	if err := Commit(c); err != vctx.ErrFatalNVWrite {
		t.Fatalf("got %v, want ErrFatalNVWrite", err)
	}
}

func TestCommitNVWriteNotFatalDuringRecovery(t *testing.T) {
	caps := &fakeCaps{nvErr: errWrite}
	c := newContext(t, caps)
	c.SetRecoveryMode()
	c.NV.Set(nvdata.FieldDiagRequest, 1)

	err := Commit(c)
	if err == nil || err == vctx.ErrFatalNVWrite {
		t.Fatalf("got %v, want the underlying write error, not ErrFatalNVWrite", err)
	}
}

func TestCommitRetriesSecdataWriteOnce(t *testing.T) {
	caps := &fakeCaps{secdataFirmErr: errWrite, failFirmwareOnce: true}
	c := newContext(t, caps)

	sd, err := secdata.InitFirmware(freshFirmwareBuf(t))
	if err != nil {
		t.Fatal(err)
	}
	c.SecdataFirmware = sd
	sd.SetVersions(1)

	if err := Commit(c); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if caps.secdataFirmWrites != 2 {
		t.Fatalf("secdata firmware write attempts = %d, want 2 (original + one retry)", caps.secdataFirmWrites)
	}
	req, _ := c.NV.Get(nvdata.FieldRecoveryRequest)
	if req != vctx.RecoveryRWTPMWriteError {
		t.Fatalf("recovery_request = %d, want RecoveryRWTPMWriteError", req)
	}
	if caps.nvWrites == 0 {
		t.Fatal("expected the recovery request set during retry to also flush NV")
	}
}

func freshFirmwareBuf(t *testing.T) []byte {
	t.Helper()
	buf := make([]byte, secdata.FirmwareSize)
	buf[0] = 2
	buf[secdata.FirmwareSize-1] = crc8.Checksum(buf[:secdata.FirmwareSize-1])
	return buf
}
