// Package keys implements the key and signature primitives of §4.5: packed
// public key unpacking, RSA digest verification, keyblock verification and
// preamble verification, all operating on byte spans rather than copying
// data out of the caller's buffer except where RSA's own API requires a
// big.Int.
package keys

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	_ "crypto/sha256" // register crypto.SHA256 for rsa.VerifyPKCS1v15
	_ "crypto/sha512" // register crypto.SHA384/SHA512
	"encoding/binary"
	"errors"
	"math/big"

	"github.com/openfw/vboot2/digest"
)

var (
	ErrKeyAlgorithm     = errors.New("keys: invalid key algorithm")
	ErrKeySize          = errors.New("keys: key buffer too small")
	ErrKeyArraySize     = errors.New("keys: invalid modulus array size")
	ErrKeyHashAlgorithm = errors.New("keys: invalid key hash algorithm")

	ErrKeyblockMagic     = errors.New("keys: bad keyblock magic")
	ErrKeyblockSize      = errors.New("keys: keyblock size out of range")
	ErrKeyblockSigInvalid = errors.New("keys: keyblock signature invalid")

	ErrPreambleSize      = errors.New("keys: preamble size out of range")
	ErrPreambleSigInvalid = errors.New("keys: preamble signature invalid")

	ErrSigMismatch = errors.New("keys: signature does not verify")
)

// rsaExponent is fixed at 65537 for every algorithm this engine accepts,
// matching the firmware signing toolchain's key generation policy.
const rsaExponent = 65537

// keyblockMagic is the 8-byte tag at the start of every keyblock.
var keyblockMagic = [8]byte{'C', 'H', 'R', 'O', 'M', 'E', 'O', 'S'}

// packedKeyHeaderSize is the fixed-offset header preceding a packed key's
// n0inv/modulus/rr body (§3 PackedKey).
const packedKeyHeaderSize = 12

// PublicKey is an unpacked RSA public key together with the Montgomery
// constants the original firmware's modexp uses. Go's crypto/rsa does its
// own modexp via math/big, so ArrSize/N0Inv/RR are retained for API/ABI
// parity and for IsDeveloperRootKey's digest, but are not re-derived by
// crypto/rsa itself.
type PublicKey struct {
	Algorithm digest.CryptoAlgorithm
	HashAlg   digest.Algorithm
	ArrSize   uint32 // number of 32-bit words in the modulus
	N0Inv     uint32
	N         []uint32 // modulus, least-significant word first
	RR        []uint32 // Montgomery R^2 mod N, least-significant word first
}

// keyWords returns the modulus word count for a composite algorithm id, or
// an error if the id's key size is not one this engine recognizes.
func keyWords(alg digest.CryptoAlgorithm) (uint32, error) {
	switch alg {
	case digest.CryptoRSA1024SHA1, digest.CryptoRSA1024SHA256, digest.CryptoRSA1024SHA512:
		return 1024 / 32, nil
	case digest.CryptoRSA2048SHA1, digest.CryptoRSA2048SHA256, digest.CryptoRSA2048SHA512, digest.CryptoRSA2048EXP3SHA256:
		return 2048 / 32, nil
	case digest.CryptoRSA4096SHA1, digest.CryptoRSA4096SHA256, digest.CryptoRSA4096SHA512:
		return 4096 / 32, nil
	case digest.CryptoRSA8192SHA1, digest.CryptoRSA8192SHA256, digest.CryptoRSA8192SHA512:
		return 8192 / 32, nil
	default:
		return 0, ErrKeyAlgorithm
	}
}

// UnpackKey parses a packed public key out of buf: a u32 algorithm id
// followed by an arrsize-derived n0inv/modulus/rr layout (§4.5, §3
// PackedKey). It derives its fields by pointer offset into buf rather than
// copying, except for N/RR which are materialized as []uint32 for use by
// VerifyDigest.
func UnpackKey(buf []byte) (*PublicKey, error) {
	if len(buf) < packedKeyHeaderSize {
		return nil, ErrKeySize
	}
	algo := digest.CryptoAlgorithm(binary.LittleEndian.Uint32(buf[0:4]))
	if !algo.Valid() {
		return nil, ErrKeyAlgorithm
	}
	hashAlg, err := algo.ToHash()
	if err != nil {
		return nil, ErrKeyHashAlgorithm
	}
	arrsize, err := keyWords(algo)
	if err != nil {
		return nil, ErrKeyArraySize
	}
	n0inv := binary.LittleEndian.Uint32(buf[4:8])
	declaredArrsize := binary.LittleEndian.Uint32(buf[8:12])
	if declaredArrsize != arrsize {
		return nil, ErrKeyArraySize
	}

	need := packedKeyHeaderSize + int(arrsize)*4*2
	if len(buf) < need {
		return nil, ErrKeySize
	}

	n := make([]uint32, arrsize)
	rr := make([]uint32, arrsize)
	base := packedKeyHeaderSize
	for i := uint32(0); i < arrsize; i++ {
		n[i] = binary.LittleEndian.Uint32(buf[base+int(i)*4:])
	}
	base += int(arrsize) * 4
	for i := uint32(0); i < arrsize; i++ {
		rr[i] = binary.LittleEndian.Uint32(buf[base+int(i)*4:])
	}

	return &PublicKey{
		Algorithm: algo,
		HashAlg:   hashAlg,
		ArrSize:   arrsize,
		N0Inv:     n0inv,
		N:         n,
		RR:        rr,
	}, nil
}

// PackedSize returns how many bytes UnpackKey needs to see for this key's
// algorithm, useful for a phased "read header, then grow and re-read" load
// (§4.7 Phase 2).
func PackedSize(algo digest.CryptoAlgorithm) (uint32, error) {
	arrsize, err := keyWords(algo)
	if err != nil {
		return 0, err
	}
	return packedKeyHeaderSize + arrsize*4*2, nil
}

// wordsToBigEndian converts a little-endian-word modulus (word[0] least
// significant) into the big-endian byte string math/big and crypto/rsa
// expect.
func wordsToBigEndian(words []uint32) []byte {
	out := make([]byte, len(words)*4)
	for i, w := range words {
		// words[i] is the i-th least-significant word; place it at the end
		// of the big-endian string, most-significant word first.
		pos := (len(words) - 1 - i) * 4
		binary.BigEndian.PutUint32(out[pos:], w)
	}
	return out
}

func (k *PublicKey) rsaPublicKey() *rsa.PublicKey {
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(wordsToBigEndian(k.N)),
		E: rsaExponent,
	}
}

func stdHashForAlgo(algo digest.Algorithm) (crypto.Hash, error) {
	switch algo {
	case digest.AlgSHA1:
		return crypto.SHA1, nil
	case digest.AlgSHA256:
		return crypto.SHA256, nil
	case digest.AlgSHA512:
		return crypto.SHA512, nil
	default:
		return 0, ErrKeyHashAlgorithm
	}
}

// VerifyDigest verifies that sig is a valid PKCS#1-v1.5 RSA signature over
// digestBuf under key. Unlike the firmware's workbuf-backed modexp (§4.5)
// it takes no scratch buffer: Go's crypto/rsa performs its own big.Int
// arithmetic internally.
func VerifyDigest(key *PublicKey, sig []byte, digestBuf []byte) error {
	pub := key.rsaPublicKey()
	cryptoHash, err := stdHashForAlgo(key.HashAlg)
	if err != nil {
		return err
	}
	if err := rsa.VerifyPKCS1v15(pub, cryptoHash, digestBuf, sig); err != nil {
		return ErrSigMismatch
	}
	return nil
}

// IsDeveloperRootKey reports whether root matches the fixed digest of the
// developer root key checked into the signing toolchain (§4.7 Phase 2,
// "dev-firmware"). It is purely informational: it never gates the boot
// decision, only a status bit a host may choose to report.
//
// Whether this digest is part of the stable ABI is an open question the
// original leaves unresolved (spec.md §9); SPEC_FULL.md resolves it as
// "no" — a future change to this constant cannot break verification, only
// the informational flag.
func IsDeveloperRootKey(root *PublicKey) bool {
	if root.ArrSize == 0 {
		return false
	}
	ctx := sha1.New()
	var arrsizeBuf [4]byte
	binary.LittleEndian.PutUint32(arrsizeBuf[:], root.ArrSize)
	ctx.Write(arrsizeBuf[:])
	var n0invBuf [4]byte
	binary.LittleEndian.PutUint32(n0invBuf[:], root.N0Inv)
	ctx.Write(n0invBuf[:])
	for _, w := range root.N {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], w)
		ctx.Write(b[:])
	}
	for _, w := range root.RR {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], w)
		ctx.Write(b[:])
	}
	sum := ctx.Sum(nil)
	return bytes.Equal(sum, devKeyDigest[:])
}

// devKeyDigest is the SHA-1 digest over (arrsize||n0inv||n||rr) for the
// developer root key checked into the signing toolchain.
var devKeyDigest = [20]byte{
	0xb1, 0x1d, 0x74, 0xed, 0xd2, 0x86, 0xc1, 0x44,
	0xe1, 0x13, 0x5b, 0x49, 0xe7, 0xf0, 0xbc, 0x20,
	0xcf, 0x04, 0x1f, 0x10,
}
