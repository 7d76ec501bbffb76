// Package fixture builds complete, byte-exact boot scenarios for
// cmd/vbootsim: a GBB region, a firmware vblock (keyblock + preamble), a
// kernel vblock, and matching NV/secdata records, signed with throwaway
// RSA keys generated at build time. It exists so the simulator can drive
// the real engine packages (gbb, keys, nvdata, secdata, fwverify,
// kernelverify, bootpath) against inputs shaped exactly like the ones
// those packages' own tests construct (§8 scenarios S1-S6), rather than
// against hand-waved stand-ins.
package fixture

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/openfw/vboot2/digest"
	"github.com/openfw/vboot2/gbb"
	"github.com/openfw/vboot2/internal/crc8"
	"github.com/openfw/vboot2/nvdata"
	"github.com/openfw/vboot2/secdata"
)

const packedKeyAlgo = digest.CryptoRSA2048SHA256

// keyWords is the modulus word count for packedKeyAlgo; kept in lockstep
// with keys.keyWords for digest.CryptoRSA2048SHA256 (2048/32).
const keyWords = 2048 / 32

const (
	keyblockHeaderSize  = 40
	fwPreambleHeaderSz  = 40
	kernelPreambleHdrSz = 32
)

// NVState seeds the fields of the NV record that §4.7 select_fw_slot and
// §4.2 otherwise read, before the simulator runs a boot attempt.
type NVState struct {
	TryNext              uint32
	TryCount             uint32
	FwTried              uint32
	FwResult             uint32
	RecoveryRequest      uint32
	RecoverySubcode      uint32
	KernelMaxRollforward uint32
	NoRollforwardCap     bool // leave the 0xffffffff "unlimited" default in place
}

// Config parameterizes one boot scenario. In the zero value every version
// and secdata floor is 0 and every seeded NV field, kernel_max_rollforward
// included, is 0; scenario S1's version-2 keys and preamble must be set
// explicitly (see TestBuildCleanBootSucceeds).
type Config struct {
	KeyVersion      uint32 // keyblock data_key.key_version
	PreambleVersion uint32 // firmware preamble's firmware_version
	KernelVersion   uint32

	SecdataFwVersions     uint32 // secdata_firmware.fw_versions floor
	SecdataKernelVersions uint32

	DisableFwRollbackCheck bool

	NV NVState

	// CorruptSecdataFirmwareCRC flips the last byte of the firmware
	// secdata record after it is otherwise validly built, to drive
	// scenario S6 (secdata_firmware_init failure).
	CorruptSecdataFirmwareCRC bool
}

// DefaultNVState returns the NV seed for a clean boot with nothing
// in-flight: try_next=0, try_count=0 (no retries pending), last result
// unknown.
func DefaultNVState() NVState {
	return NVState{KernelMaxRollforward: 0xffffffff}
}

// Scenario is a fully assembled, ready-to-verify boot attempt: the raw
// byte regions a host would read via its resource-read capability, plus
// the NV/secdata records those reads are checked against.
type Scenario struct {
	GBBRegion      []byte // GBB header followed by its HWID/rootkey/bmpfv/recoverykey entries
	FWVblockRegion []byte // firmware keyblock immediately followed by its preamble

	RootKeyBuf  []byte
	RecoveryKey []byte

	Body           []byte // firmware body the preamble's body_signature covers
	KernelBody     []byte
	KernelPreamble []byte

	NV              []byte
	SecdataFirmware []byte
	SecdataKernel   []byte
	SecdataFwmp     []byte

	// Offsets into FWVblockRegion/GBBRegion, mirroring what a host would
	// learn from gbb.Header/keys.ParseKeyblockHeader before growing its
	// read.
	KeyblockOffset, KeyblockSize  uint32
	PreambleOffset, PreambleSize  uint32
	RootKeyOffset, RootKeySize    uint32
	RecoveryKeyOffset, RecKeySize uint32
	// DataKeyOffset/DataKeySize locate the packed firmware data key inside
	// FWVblockRegion (it sits at a fixed offset past the keyblock header,
	// same layout keys.VerifyKeyblock unpacks).
	DataKeyOffset, DataKeySize uint32
}

func packKey(pub *rsa.PublicKey) []byte {
	buf := make([]byte, 12+keyWords*4*2)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(packedKeyAlgo))
	binary.LittleEndian.PutUint32(buf[8:12], keyWords)

	nBytes := pub.N.Bytes()
	padded := make([]byte, keyWords*4)
	copy(padded[len(padded)-len(nBytes):], nBytes)
	for i := 0; i < keyWords; i++ {
		pos := (keyWords - 1 - i) * 4
		w := binary.BigEndian.Uint32(padded[pos:])
		binary.LittleEndian.PutUint32(buf[12+i*4:], w)
	}
	return buf
}

func sign(priv *rsa.PrivateKey, prefix []byte) ([]byte, error) {
	sum := sha256.Sum256(prefix)
	return rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, sum[:])
}

func buildKeyblock(rootPriv *rsa.PrivateKey, dataKeyVersion uint32, dataKeyBuf []byte) ([]byte, error) {
	dataKeyOffset := uint32(keyblockHeaderSize)
	dataKeySize := uint32(len(dataKeyBuf))
	hashOffset := dataKeyOffset + dataKeySize
	sigOffset := hashOffset // hash disabled (size 0): signature alone covers the keyblock

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
	sig, err := sign(rootPriv, head)
	if err != nil {
		return nil, err
	}
	return append(head, sig...), nil
}

func buildFwPreamble(dataPriv *rsa.PrivateKey, fwVersion uint32, kernelSubkeyBuf []byte, bodyDataSize uint32, bodySig []byte) ([]byte, error) {
	subkeyOffset := uint32(fwPreambleHeaderSz)
	subkeySize := uint32(len(kernelSubkeyBuf))
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
	copy(head[subkeyOffset:], kernelSubkeyBuf)
	copy(head[bodySigOffset:], bodySigBlob)

	// The signature covers the size fields, so they are written first.
	sigSize := uint32(dataPriv.Size())
	total := preambleSigOffset + sigSize
	binary.LittleEndian.PutUint32(head[0:4], total)
	binary.LittleEndian.PutUint32(head[32:36], preambleSigOffset)
	binary.LittleEndian.PutUint32(head[36:40], sigSize)
	sig, err := sign(dataPriv, head)
	if err != nil {
		return nil, err
	}
	return append(head, sig...), nil
}

func buildKernelPreamble(subkeyPriv *rsa.PrivateKey, kernelVersion uint32, bodyDataSize uint32, bodySig []byte) ([]byte, error) {
	bodySigOffset := uint32(kernelPreambleHdrSz)
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
	sig, err := sign(subkeyPriv, head)
	if err != nil {
		return nil, err
	}
	return append(head, sig...), nil
}

func nvBuf(state NVState) ([]byte, error) {
	nv, err := nvdata.Init(make([]byte, nvdata.Size))
	if err != nil {
		return nil, err
	}
	sets := map[nvdata.Field]uint32{
		nvdata.FieldTryNext:              state.TryNext,
		nvdata.FieldTryCount:             state.TryCount,
		nvdata.FieldFwTried:              state.FwTried,
		nvdata.FieldFwResult:             state.FwResult,
		nvdata.FieldRecoveryRequest:      state.RecoveryRequest,
		nvdata.FieldRecoverySubcode:      state.RecoverySubcode,
		nvdata.FieldKernelMaxRollforward: state.KernelMaxRollforward,
	}
	if state.NoRollforwardCap {
		delete(sets, nvdata.FieldKernelMaxRollforward)
	}
	for f, v := range sets {
		if err := nv.Set(f, v); err != nil {
			return nil, fmt.Errorf("fixture: nv field %v: %w", f, err)
		}
	}
	buf := nv.Flush()
	return buf[:], nil
}

func secdataFirmwareBuf(versions uint32, corruptCRC bool) ([]byte, error) {
	buf := make([]byte, secdata.FirmwareSize)
	buf[0] = 2
	buf[secdata.FirmwareSize-1] = crc8.Checksum(buf[:secdata.FirmwareSize-1])
	sd, err := secdata.InitFirmware(buf)
	if err != nil {
		return nil, err
	}
	if err := sd.SetVersions(versions); err != nil {
		return nil, err
	}
	out := sd.Flush()
	if corruptCRC {
		out[secdata.FirmwareSize-1] ^= 0xFF
	}
	return out[:], nil
}

func secdataKernelBuf(versions uint32) ([]byte, error) {
	buf := make([]byte, secdata.KernelSize)
	buf[0] = 2
	binary.LittleEndian.PutUint32(buf[1:5], 0xcafef00d)
	buf[secdata.KernelSize-1] = crc8.Checksum(buf[:secdata.KernelSize-1])
	sk, err := secdata.InitKernel(buf)
	if err != nil {
		return nil, err
	}
	if err := sk.SetVersions(versions); err != nil {
		return nil, err
	}
	out := sk.Flush()
	return out[:], nil
}

func secdataFwmpBuf() []byte {
	buf := make([]byte, secdata.FwmpMinSize)
	buf[1] = 1 // struct_version
	buf[2] = byte(secdata.FwmpMinSize)
	buf[0] = crc8.Checksum(buf[1:secdata.FwmpMinSize])
	return buf
}

// Build assembles a complete Scenario from cfg, generating fresh RSA
// keypairs for the root key, firmware data key, kernel subkey, and
// recovery key.
func Build(cfg Config) (*Scenario, error) {
	rootPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	dataPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	kernelSubkeyPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	recoveryPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	rootKeyBuf := packKey(&rootPriv.PublicKey)
	dataKeyBuf := packKey(&dataPriv.PublicKey)
	kernelSubkeyBuf := packKey(&kernelSubkeyPriv.PublicKey)
	recoveryKeyBuf := packKey(&recoveryPriv.PublicKey)

	keyblock, err := buildKeyblock(rootPriv, cfg.KeyVersion, dataKeyBuf)
	if err != nil {
		return nil, err
	}

	body := []byte("vbootsim firmware body payload")
	bodySig, err := sign(dataPriv, body)
	if err != nil {
		return nil, err
	}
	preamble, err := buildFwPreamble(dataPriv, cfg.PreambleVersion, kernelSubkeyBuf, uint32(len(body)), bodySig)
	if err != nil {
		return nil, err
	}

	kernelBody := []byte("vbootsim kernel body payload")
	kernelBodySig, err := sign(kernelSubkeyPriv, kernelBody)
	if err != nil {
		return nil, err
	}
	kernelPreamble, err := buildKernelPreamble(kernelSubkeyPriv, cfg.KernelVersion, uint32(len(kernelBody)), kernelBodySig)
	if err != nil {
		return nil, err
	}

	// Lay the FW vblock region out as keyblock immediately followed by
	// preamble (§6 "Vblock on-flash").
	vblock := append(append([]byte{}, keyblock...), preamble...)

	// Lay the GBB region out as header, then rootkey, then recoverykey
	// entries (§6 "GBB on-flash").
	gbbHeader := make([]byte, gbb.HeaderSize)
	copy(gbbHeader[0:8], []byte{'$', 'G', 'B', 'B', 0x31, 0x9b, 0xa7, 0xda})
	binary.LittleEndian.PutUint16(gbbHeader[8:10], 1)
	binary.LittleEndian.PutUint16(gbbHeader[10:12], 1)
	binary.LittleEndian.PutUint32(gbbHeader[12:16], gbb.HeaderSize)
	var flags uint32
	if cfg.DisableFwRollbackCheck {
		flags |= gbb.FlagDisableFwRollbackCheck
	}
	binary.LittleEndian.PutUint32(gbbHeader[16:20], flags)

	rootKeyOffset := uint32(gbb.HeaderSize)
	binary.LittleEndian.PutUint32(gbbHeader[28:32], rootKeyOffset)
	binary.LittleEndian.PutUint32(gbbHeader[32:36], uint32(len(rootKeyBuf)))
	recKeyOffset := rootKeyOffset + uint32(len(rootKeyBuf))
	binary.LittleEndian.PutUint32(gbbHeader[44:48], recKeyOffset)
	binary.LittleEndian.PutUint32(gbbHeader[48:52], uint32(len(recoveryKeyBuf)))

	gbbRegion := append(append([]byte{}, gbbHeader...), rootKeyBuf...)
	gbbRegion = append(gbbRegion, recoveryKeyBuf...)

	nv, err := nvBuf(cfg.NV)
	if err != nil {
		return nil, err
	}
	sdFirmware, err := secdataFirmwareBuf(cfg.SecdataFwVersions, cfg.CorruptSecdataFirmwareCRC)
	if err != nil {
		return nil, err
	}
	sdKernel, err := secdataKernelBuf(cfg.SecdataKernelVersions)
	if err != nil {
		return nil, err
	}

	return &Scenario{
		GBBRegion:         gbbRegion,
		FWVblockRegion:    vblock,
		RootKeyBuf:        rootKeyBuf,
		RecoveryKey:       recoveryKeyBuf,
		Body:              body,
		KernelBody:        kernelBody,
		KernelPreamble:    kernelPreamble,
		NV:                nv,
		SecdataFirmware:   sdFirmware,
		SecdataKernel:     sdKernel,
		SecdataFwmp:       secdataFwmpBuf(),
		KeyblockOffset:    0,
		KeyblockSize:      uint32(len(keyblock)),
		PreambleOffset:    uint32(len(keyblock)),
		PreambleSize:      uint32(len(preamble)),
		RootKeyOffset:     rootKeyOffset,
		RootKeySize:       uint32(len(rootKeyBuf)),
		RecoveryKeyOffset: recKeyOffset,
		RecKeySize:        uint32(len(recoveryKeyBuf)),
		DataKeyOffset:     keyblockHeaderSize,
		DataKeySize:       uint32(len(dataKeyBuf)),
	}, nil
}
