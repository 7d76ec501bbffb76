package keys

import (
	"bytes"
	"encoding/binary"

	"github.com/openfw/vboot2/digest"
)

// keyblockHeaderSize is the fixed prefix preceding a keyblock's data key,
// hash and signature blobs (§3 Keyblock).
const keyblockHeaderSize = 40

// KeyblockHeaderSize is keyblockHeaderSize, exported so a caller doing the
// "read header, grow, re-read" sequence of §4.7 Phase 2 knows how many
// bytes to read before it has learned Size.
const KeyblockHeaderSize = keyblockHeaderSize

// Keyblock is the parsed result of VerifyKeyblock: the envelope's version
// and the data key it carries forward to the next pipeline stage.
type Keyblock struct {
	Size           uint32
	DataKeyVersion uint32
	DataKey        *PublicKey
	// DataKeyOffset/DataKeySize locate the still-packed data key inside the
	// verified keyblock buffer, for callers that move it down in the arena
	// (§4.7 Phase 2: "moves the data key down over the rootkey bytes").
	DataKeyOffset uint32
	DataKeySize   uint32
}

// ParseKeyblockHeader decodes only the fixed header, enough to learn Size
// before the caller grows its buffer to read the rest (§4.7 Phase 2's
// "read header, grow, re-read" sequence).
func ParseKeyblockHeader(buf []byte) (size uint32, err error) {
	if len(buf) < keyblockHeaderSize {
		return 0, ErrKeyblockSize
	}
	if !bytes.Equal(buf[0:8], keyblockMagic[:]) {
		return 0, ErrKeyblockMagic
	}
	return binary.LittleEndian.Uint32(buf[12:16]), nil
}

// VerifyKeyblock bounds-checks the inner offsets, verifies the keyblock's
// integrity hash and RSA signature (both over the prefix they cover) under
// key, and unpacks the data key it carries (§4.5 verify_keyblock).
func VerifyKeyblock(buf []byte, key *PublicKey) (*Keyblock, error) {
	size, err := ParseKeyblockHeader(buf)
	if err != nil {
		return nil, err
	}
	if size > uint32(len(buf)) {
		return nil, ErrKeyblockSize
	}
	buf = buf[:size]

	dataKeyVersion := binary.LittleEndian.Uint32(buf[8:12])
	dataKeyOffset := binary.LittleEndian.Uint32(buf[16:20])
	dataKeySize := binary.LittleEndian.Uint32(buf[20:24])
	hashOffset := binary.LittleEndian.Uint32(buf[24:28])
	hashSize := binary.LittleEndian.Uint32(buf[28:32])
	sigOffset := binary.LittleEndian.Uint32(buf[32:36])
	sigSize := binary.LittleEndian.Uint32(buf[36:40])

	if !withinSize(dataKeyOffset, dataKeySize, size) ||
		!withinSize(hashOffset, hashSize, size) ||
		!withinSize(sigOffset, sigSize, size) {
		return nil, ErrKeyblockSize
	}

	if hashSize > 0 {
		if err := digest.VerifyHash(key.HashAlg, buf[:hashOffset], buf[hashOffset:hashOffset+hashSize]); err != nil {
			return nil, ErrKeyblockSigInvalid
		}
	}

	covered := buf[:sigOffset]
	dgst, err := hashOf(key.HashAlg, covered)
	if err != nil {
		return nil, err
	}
	if err := VerifyDigest(key, buf[sigOffset:sigOffset+sigSize], dgst); err != nil {
		return nil, ErrKeyblockSigInvalid
	}

	dataKey, err := UnpackKey(buf[dataKeyOffset : dataKeyOffset+dataKeySize])
	if err != nil {
		return nil, err
	}

	return &Keyblock{
		Size:           size,
		DataKeyVersion: dataKeyVersion,
		DataKey:        dataKey,
		DataKeyOffset:  dataKeyOffset,
		DataKeySize:    dataKeySize,
	}, nil
}

func withinSize(offset, size, total uint32) bool {
	end := offset + size
	return end >= offset && end <= total
}

func hashOf(algo digest.Algorithm, buf []byte) ([]byte, error) {
	ctx, err := digest.Init(algo)
	if err != nil {
		return nil, err
	}
	if err := ctx.Extend(buf); err != nil {
		return nil, err
	}
	out := make([]byte, digest.Size(algo))
	if _, err := ctx.Finalize(out); err != nil {
		return nil, err
	}
	return out, nil
}
