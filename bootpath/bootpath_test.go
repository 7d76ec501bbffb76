package bootpath

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/openfw/vboot2/digest"
	"github.com/openfw/vboot2/gbb"
	"github.com/openfw/vboot2/internal/crc8"
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

func newTestContext(t *testing.T) *vctx.Context {
	t.Helper()
	c, err := vctx.New(make([]byte, 8192), fakeCaps{})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestSelectRecoveryTakesPriority(t *testing.T) {
	c := newTestContext(t)
	nv, err := nvdata.Init(make([]byte, nvdata.Size))
	if err != nil {
		t.Fatal(err)
	}
	c.NV = nv
	c.SetRecoveryMode()
	c.State.ContextFlags.DeveloperMode = true

	if got := Select(c); got != PathRecovery {
		t.Fatalf("Select() = %v, want PathRecovery", got)
	}
}

func TestSelectDiagnosticBeforeDeveloper(t *testing.T) {
	c := newTestContext(t)
	nv, err := nvdata.Init(make([]byte, nvdata.Size))
	if err != nil {
		t.Fatal(err)
	}
	c.NV = nv
	c.NV.Set(nvdata.FieldDiagRequest, 1)
	c.State.ContextFlags.DeveloperMode = true

	if got := Select(c); got != PathDiagnostic {
		t.Fatalf("Select() = %v, want PathDiagnostic", got)
	}
}

func TestSelectDeveloper(t *testing.T) {
	c := newTestContext(t)
	nv, err := nvdata.Init(make([]byte, nvdata.Size))
	if err != nil {
		t.Fatal(err)
	}
	c.NV = nv
	c.State.ContextFlags.DeveloperMode = true

	if got := Select(c); got != PathDeveloper {
		t.Fatalf("Select() = %v, want PathDeveloper", got)
	}
}

func TestSelectNormal(t *testing.T) {
	c := newTestContext(t)
	nv, err := nvdata.Init(make([]byte, nvdata.Size))
	if err != nil {
		t.Fatal(err)
	}
	c.NV = nv

	if got := Select(c); got != PathNormal {
		t.Fatalf("Select() = %v, want PathNormal", got)
	}
}

func TestDiagnosticConfirm(t *testing.T) {
	if !DiagnosticConfirm([]byte("123456"), []byte("123456")) {
		t.Fatal("matching codes should confirm")
	}
	if DiagnosticConfirm([]byte("123456"), []byte("654321")) {
		t.Fatal("mismatched codes should not confirm")
	}
	if DiagnosticConfirm([]byte("123"), []byte("123456")) {
		t.Fatal("different-length codes should not confirm")
	}
}

func packKey(t *testing.T, pub *rsa.PublicKey) []byte {
	t.Helper()
	const algo = digest.CryptoRSA2048SHA256
	arrsize := uint32(2048 / 32)
	buf := make([]byte, 12+int(arrsize)*4*2)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(algo))
	binary.LittleEndian.PutUint32(buf[8:12], arrsize)

	nBytes := pub.N.Bytes()
	padded := make([]byte, arrsize*4)
	copy(padded[len(padded)-len(nBytes):], nBytes)
	for i := uint32(0); i < arrsize; i++ {
		pos := (int(arrsize) - 1 - int(i)) * 4
		w := binary.BigEndian.Uint32(padded[pos:])
		binary.LittleEndian.PutUint32(buf[12+i*4:], w)
	}
	return buf
}

func sign(t *testing.T, priv *rsa.PrivateKey, prefix []byte) []byte {
	t.Helper()
	sum := sha256.Sum256(prefix)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, sum[:])
	if err != nil {
		t.Fatal(err)
	}
	return sig
}

func buildKeyblock(t *testing.T, rootPriv *rsa.PrivateKey, dataKeyVersion uint32, dataKeyBuf []byte) []byte {
	t.Helper()
	const hdr = 40
	dataKeyOffset := uint32(hdr)
	dataKeySize := uint32(len(dataKeyBuf))
	hashOffset := dataKeyOffset + dataKeySize
	sigOffset := hashOffset

	head := make([]byte, sigOffset)
	copy(head[0:8], []byte("CHROMEOS"))
	binary.LittleEndian.PutUint32(head[8:12], dataKeyVersion)
	binary.LittleEndian.PutUint32(head[16:20], dataKeyOffset)
	binary.LittleEndian.PutUint32(head[20:24], dataKeySize)
	binary.LittleEndian.PutUint32(head[24:28], hashOffset)
	binary.LittleEndian.PutUint32(head[28:32], 0)
	binary.LittleEndian.PutUint32(head[32:36], sigOffset)
	copy(head[dataKeyOffset:], dataKeyBuf)

	// The signature covers the size fields, so they are written first.
	sigSize := uint32(rootPriv.Size())
	total := sigOffset + sigSize
	binary.LittleEndian.PutUint32(head[12:16], total)
	binary.LittleEndian.PutUint32(head[36:40], sigSize)
	sig := sign(t, rootPriv, head)
	return append(head, sig...)
}

func buildFwPreambleWithSubkey(t *testing.T, dataPriv *rsa.PrivateKey, fwVersion uint32, subkeyBuf []byte, bodyDataSize uint32, bodySig []byte) []byte {
	t.Helper()
	const hdr = 40
	subkeyOffset := uint32(hdr)
	subkeySize := uint32(len(subkeyBuf))
	bodySigOffset := subkeyOffset + subkeySize
	bodySigBlob := append(binary.LittleEndian.AppendUint32(nil, bodyDataSize), bodySig...)
	bodySigSize := uint32(len(bodySigBlob))
	preambleSigOffset := bodySigOffset + bodySigSize

	head := make([]byte, preambleSigOffset)
	binary.LittleEndian.PutUint32(head[8:12], fwVersion)
	binary.LittleEndian.PutUint32(head[12:16], subkeyOffset)
	binary.LittleEndian.PutUint32(head[16:20], subkeySize)
	binary.LittleEndian.PutUint32(head[20:24], bodySigOffset)
	binary.LittleEndian.PutUint32(head[24:28], bodySigSize)
	copy(head[subkeyOffset:], subkeyBuf)
	copy(head[bodySigOffset:], bodySigBlob)

	// The signature covers the size fields, so they are written first.
	sigSize := uint32(dataPriv.Size())
	total := preambleSigOffset + sigSize
	binary.LittleEndian.PutUint32(head[0:4], total)
	binary.LittleEndian.PutUint32(head[32:36], preambleSigOffset)
	binary.LittleEndian.PutUint32(head[36:40], sigSize)
	sig := sign(t, dataPriv, head)
	return append(head, sig...)
}

func buildKernelPreamble(t *testing.T, subkeyPriv *rsa.PrivateKey, kernelVersion uint32, bodyDataSize uint32, bodySig []byte) []byte {
	t.Helper()
	const hdr = 32
	bodySigOffset := uint32(hdr)
	bodySigBlob := append(binary.LittleEndian.AppendUint32(nil, bodyDataSize), bodySig...)
	bodySigSize := uint32(len(bodySigBlob))
	preambleSigOffset := bodySigOffset + bodySigSize

	head := make([]byte, preambleSigOffset)
	binary.LittleEndian.PutUint32(head[8:12], kernelVersion)
	binary.LittleEndian.PutUint32(head[12:16], bodySigOffset)
	binary.LittleEndian.PutUint32(head[16:20], bodySigSize)
	copy(head[bodySigOffset:], bodySigBlob)

	// The signature covers the size fields, so they are written first.
	sigSize := uint32(subkeyPriv.Size())
	total := preambleSigOffset + sigSize
	binary.LittleEndian.PutUint32(head[0:4], total)
	binary.LittleEndian.PutUint32(head[24:28], preambleSigOffset)
	binary.LittleEndian.PutUint32(head[28:32], sigSize)
	sig := sign(t, subkeyPriv, head)
	return append(head, sig...)
}

func freshNVBuf(t *testing.T) []byte {
	t.Helper()
	c, err := nvdata.Init(make([]byte, nvdata.Size))
	if err != nil {
		t.Fatal(err)
	}
	buf := c.Flush()
	return buf[:]
}

func secdataFirmwareBuf(t *testing.T, versions uint32) []byte {
	t.Helper()
	buf := make([]byte, secdata.FirmwareSize)
	buf[0] = 2
	buf[secdata.FirmwareSize-1] = crc8.Checksum(buf[:secdata.FirmwareSize-1])

	sd, err := secdata.InitFirmware(buf)
	if err != nil {
		t.Fatal(err)
	}
	if err := sd.SetVersions(versions); err != nil {
		t.Fatal(err)
	}
	out := sd.Flush()
	return out[:]
}

func secdataKernelBuf(t *testing.T, versions uint32) []byte {
	t.Helper()
	buf := make([]byte, secdata.KernelSize)
	buf[0] = 2
	binary.LittleEndian.PutUint32(buf[1:5], 0xcafef00d)
	buf[secdata.KernelSize-1] = crc8.Checksum(buf[:secdata.KernelSize-1])

	sk, err := secdata.InitKernel(buf)
	if err != nil {
		t.Fatal(err)
	}
	if err := sk.SetVersions(versions); err != nil {
		t.Fatal(err)
	}
	out := sk.Flush()
	return out[:]
}

func validGBBBuf() []byte {
	buf := make([]byte, gbb.HeaderSize)
	copy(buf[0:8], []byte{'$', 'G', 'B', 'B', 0x31, 0x9b, 0xa7, 0xda})
	binary.LittleEndian.PutUint16(buf[8:10], 1)
	binary.LittleEndian.PutUint16(buf[10:12], 1)
	binary.LittleEndian.PutUint32(buf[12:16], gbb.HeaderSize)
	return buf
}

// TestTryLoadKernelCleanNormalBoot exercises the full pipeline end to end:
// firmware keyblock/preamble, firmware body hash, kernel subkey carried in
// the firmware preamble, kernel preamble, and kernel body hash, all
// verifying, with no recovery and no roll-forward condition met.
func TestTryLoadKernelCleanNormalBoot(t *testing.T) {
	c := newTestContext(t)

	rootPriv, _ := rsa.GenerateKey(rand.Reader, 2048)
	rootKeyBuf := packKey(t, &rootPriv.PublicKey)
	dataPriv, _ := rsa.GenerateKey(rand.Reader, 2048)
	dataKeyBuf := packKey(t, &dataPriv.PublicKey)
	kbBuf := buildKeyblock(t, rootPriv, 2, dataKeyBuf)

	kernelSubkeyPriv, _ := rsa.GenerateKey(rand.Reader, 2048)
	kernelSubkeyBuf := packKey(t, &kernelSubkeyPriv.PublicKey)

	fwBody := []byte("firmware body bytes")
	fwBodySig := sign(t, dataPriv, fwBody)
	preBuf := buildFwPreambleWithSubkey(t, dataPriv, 2, kernelSubkeyBuf, uint32(len(fwBody)), fwBodySig)

	kernBody := []byte("kernel body bytes")
	kernBodySig := sign(t, kernelSubkeyPriv, kernBody)
	kernPreBuf := buildKernelPreamble(t, kernelSubkeyPriv, 1, uint32(len(kernBody)), kernBodySig)

	fw := FirmwareInputs{
		NV:              freshNVBuf(t),
		SecdataFirmware: secdataFirmwareBuf(t, 0x20002),
		GBB:             validGBBBuf(),
		RootKey:         rootKeyBuf,
		Keyblock:        kbBuf,
		Preamble:        preBuf,
		Body:            fwBody,
	}
	kern := KernelInputs{
		SecdataKernel: secdataKernelBuf(t, 0),
		Preamble:      kernPreBuf,
		Body:          kernBody,
	}

	result, err := TryLoadKernel(c, fw, kern)
	if err != nil {
		t.Fatalf("TryLoadKernel: %v", err)
	}
	if result.FirmwareVersion != 0x20002 {
		t.Fatalf("firmware version = %#x, want 0x20002", result.FirmwareVersion)
	}
	if result.KernelVersion != 1 {
		t.Fatalf("kernel version = %d, want 1", result.KernelVersion)
	}
}

func TestTryLoadKernelFailsOnBadFirmwareBody(t *testing.T) {
	c := newTestContext(t)

	rootPriv, _ := rsa.GenerateKey(rand.Reader, 2048)
	rootKeyBuf := packKey(t, &rootPriv.PublicKey)
	dataPriv, _ := rsa.GenerateKey(rand.Reader, 2048)
	dataKeyBuf := packKey(t, &dataPriv.PublicKey)
	kbBuf := buildKeyblock(t, rootPriv, 2, dataKeyBuf)

	kernelSubkeyPriv, _ := rsa.GenerateKey(rand.Reader, 2048)
	kernelSubkeyBuf := packKey(t, &kernelSubkeyPriv.PublicKey)

	fwBody := []byte("firmware body bytes")
	fwBodySig := sign(t, dataPriv, fwBody)
	preBuf := buildFwPreambleWithSubkey(t, dataPriv, 2, kernelSubkeyBuf, uint32(len(fwBody)), fwBodySig)

	fw := FirmwareInputs{
		NV:              freshNVBuf(t),
		SecdataFirmware: secdataFirmwareBuf(t, 0x20002),
		GBB:             validGBBBuf(),
		RootKey:         rootKeyBuf,
		Keyblock:        kbBuf,
		Preamble:        preBuf,
		Body:            []byte("a tampered firmware body"),
	}

	if _, err := TryLoadKernel(c, fw, KernelInputs{}); err != ErrBodyHash {
		t.Fatalf("got %v, want ErrBodyHash", err)
	}
	req, _ := c.NV.Get(nvdata.FieldRecoveryRequest)
	if req != vctx.RecoveryFwBodyHash {
		t.Fatalf("recovery_request = %d, want RecoveryFwBodyHash", req)
	}
}
