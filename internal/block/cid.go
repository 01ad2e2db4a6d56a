package block

import (
	"fmt"

	mbase "github.com/multiformats/go-multibase"
	"lukechampine.com/blake3"
)

const CIDVersion uint8 = 1

// CIDBytesLen is the length of the fixed binary form: version byte,
// reserved byte, 32-byte digest.
const CIDBytesLen = 2 + 32

type CID struct {
	Version CIDVersionField
	Digest  [32]byte
}

type CIDVersionField uint8

// Encode returns the multibase (base32) text form of the CID.
func (c CID) Encode() (string, error) {
	return mbase.Encode(mbase.Base32, c.ToBytes())
}

// ToBytes returns the fixed binary form used in index keys and payloads.
func (c CID) ToBytes() []byte {
	buf := make([]byte, CIDBytesLen)
	buf[0] = byte(c.Version)
	copy(buf[2:], c.Digest[:])
	return buf
}

// Defined reports whether the CID is non-zero.
func (c CID) Defined() bool {
	return c != CID{}
}

func (c CID) String() string {
	s, err := c.Encode()
	if err != nil {
		return "<invalid cid>"
	}
	return s
}

func DecodeCID(s string) (CID, error) {
	_, raw, err := mbase.Decode(s)
	if err != nil {
		return CID{}, err
	}
	return CidFromBytes(raw)
}

func CidFromBytes(raw []byte) (CID, error) {
	if len(raw) != CIDBytesLen {
		return CID{}, fmt.Errorf("bad CID length: %d", len(raw))
	}
	var c CID
	c.Version = CIDVersionField(raw[0])
	copy(c.Digest[:], raw[2:])
	return c, nil
}

func computeDigest(data []byte) ([32]byte, error) {
	return blake3.Sum256(data), nil
}

func NewCID(bytes []byte) (CID, error) {
	sum, err := computeDigest(bytes)
	if err != nil {
		return CID{}, err
	}
	return CID{
		Version: CIDVersionField(CIDVersion),
		Digest:  sum,
	}, nil
}
