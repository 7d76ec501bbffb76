package keys

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/openfw/vboot2/digest"
)

// packTestKey packs pub into the on-flash PublicKey layout UnpackKey
// expects. n0inv/rr are zero-filled: VerifyDigest only needs N/E, so the
// Montgomery constants don't need to be correct for these fixtures.
func packTestKey(pub *rsa.PublicKey, algo digest.CryptoAlgorithm) []byte {
	arrsize, err := keyWords(algo)
	if err != nil {
		panic(err)
	}
	buf := make([]byte, packedKeyHeaderSize+int(arrsize)*4*2)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(algo))
	binary.LittleEndian.PutUint32(buf[4:8], 0)
	binary.LittleEndian.PutUint32(buf[8:12], arrsize)

	nBytes := pub.N.Bytes()
	padded := make([]byte, arrsize*4)
	copy(padded[len(padded)-len(nBytes):], nBytes)
	words := wordsFromBigEndian(padded)
	base := packedKeyHeaderSize
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[base+i*4:], w)
	}
	// rr stays zero.
	return buf
}

func wordsFromBigEndian(be []byte) []uint32 {
	n := len(be) / 4
	out := make([]uint32, n)
	for i := 0; i < n; i++ {
		pos := (n - 1 - i) * 4
		out[i] = binary.BigEndian.Uint32(be[pos:])
	}
	return out
}

func signPrefix(t *testing.T, priv *rsa.PrivateKey, prefix []byte) []byte {
	t.Helper()
	sum := sha256.Sum256(prefix)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, sum[:])
	if err != nil {
		t.Fatal(err)
	}
	return sig
}

// buildKeyblock signs dataKeyBuf with rootPriv and assembles a full
// keyblock buffer (§3 Keyblock), with the hash field disabled (size 0) so
// tests only exercise the RSA-signature path.
func buildKeyblock(t *testing.T, rootPriv *rsa.PrivateKey, dataKeyVersion uint32, dataKeyBuf []byte) []byte {
	t.Helper()
	const hdr = keyblockHeaderSize
	dataKeyOffset := uint32(hdr)
	dataKeySize := uint32(len(dataKeyBuf))
	hashOffset := dataKeyOffset + dataKeySize
	hashSize := uint32(0)
	sigOffset := hashOffset + hashSize

	head := make([]byte, sigOffset)
	copy(head[0:8], keyblockMagic[:])
	binary.LittleEndian.PutUint32(head[8:12], dataKeyVersion)
	// Size filled in once total is known.
	binary.LittleEndian.PutUint32(head[16:20], dataKeyOffset)
	binary.LittleEndian.PutUint32(head[20:24], dataKeySize)
	binary.LittleEndian.PutUint32(head[24:28], hashOffset)
	binary.LittleEndian.PutUint32(head[28:32], hashSize)
	binary.LittleEndian.PutUint32(head[32:36], sigOffset)
	copy(head[dataKeyOffset:], dataKeyBuf)

	// The signature covers the size fields, so they are written first.
	sigSize := uint32(rootPriv.Size())
	total := sigOffset + sigSize
	binary.LittleEndian.PutUint32(head[12:16], total)
	binary.LittleEndian.PutUint32(head[36:40], sigSize)
	sig := signPrefix(t, rootPriv, head)

	buf := append(head, sig...)
	return buf
}

// buildFwPreamble signs the preamble prefix with dataPriv and assembles a
// full firmware preamble buffer (§3 Preamble).
func buildFwPreamble(t *testing.T, dataPriv *rsa.PrivateKey, fwVersion uint32, kernelSubkeyBuf []byte, bodyDataSize uint32, bodySig []byte, flags uint32) []byte {
	t.Helper()
	const hdr = fwPreambleHeaderSize
	subkeyOffset := uint32(hdr)
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
	binary.LittleEndian.PutUint32(head[28:32], flags)
	copy(head[subkeyOffset:], kernelSubkeyBuf)
	copy(head[bodySigOffset:], bodySigBlob)

	// The signature covers the size fields, so they are written first.
	sigSize := uint32(dataPriv.Size())
	total := preambleSigOffset + sigSize
	binary.LittleEndian.PutUint32(head[0:4], total)
	binary.LittleEndian.PutUint32(head[32:36], preambleSigOffset)
	binary.LittleEndian.PutUint32(head[36:40], sigSize)
	sig := signPrefix(t, dataPriv, head)

	return append(head, sig...)
}
