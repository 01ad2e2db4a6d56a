package store

import (
	"encoding/binary"
	"errors"

	"github.com/WanderningMaster/blockvault/internal/block"
	"github.com/WanderningMaster/blockvault/internal/util"
	"github.com/fxamacker/cbor/v2"
)

var (
	byteOrder = binary.BigEndian
	errBadKey = errors.New("bad key length")
)

// Key layout, one prefix byte per namespace:
//
//	'b' + cid  -> raw block bytes
//	'm' + cid  -> metaRow (presence of this row means the block exists)
//	'r' + cid  -> CBOR list of referenced cid bytes (absent when no refs)
//	'a' + name -> cid bytes of the alias target
//	't' + pin id (8, big endian) + cid -> nil (temp pin protection)
//	'c'        -> statsRow
//	'q'        -> block id sequence (8, big endian)
//	'f'        -> flush marker, written with Sync
const (
	dataPrefix  = 'b'
	metaPrefix  = 'm'
	refsPrefix  = 'r'
	aliasPrefix = 'a'
	pinPrefix   = 't'
)

var (
	statsKey = []byte{'c'}
	seqKey   = []byte{'q'}
	flushKey = []byte{'f'}
)

const cidBytesLen = block.CIDBytesLen

type metaRow struct {
	ID    uint64   `cbor:"id"`
	Size  int64    `cbor:"size"`
	Atime int64    `cbor:"atime"`
	_     struct{} `cbor:",toarray"`
}

type statsRow struct {
	Count uint64   `cbor:"count"`
	Size  uint64   `cbor:"size"`
	_     struct{} `cbor:",toarray"`
}

var (
	encMode = util.Must(cbor.CanonicalEncOptions().EncMode())
	decMode = util.Must(cbor.DecOptions{TimeTag: cbor.DecTagIgnored}.DecMode())
)

func cidKey(prefix byte, c block.CID) []byte {
	cidb := c.ToBytes()
	b := make([]byte, 1+len(cidb))
	b[0] = prefix
	copy(b[1:], cidb)
	return b
}

func dataKey(c block.CID) []byte { return cidKey(dataPrefix, c) }
func metaKey(c block.CID) []byte { return cidKey(metaPrefix, c) }
func refsKey(c block.CID) []byte { return cidKey(refsPrefix, c) }

func aliasKey(name []byte) []byte {
	b := make([]byte, 1+len(name))
	b[0] = aliasPrefix
	copy(b[1:], name)
	return b
}

func pinIDPrefix(id uint64) []byte {
	b := make([]byte, 1+8)
	b[0] = pinPrefix
	byteOrder.PutUint64(b[1:], id)
	return b
}

func pinKey(id uint64, c block.CID) []byte {
	cidb := c.ToBytes()
	b := make([]byte, 1+8+len(cidb))
	b[0] = pinPrefix
	byteOrder.PutUint64(b[1:], id)
	copy(b[1+8:], cidb)
	return b
}

// cidFromKey expects a single prefix byte followed by the binary cid.
func cidFromKey(k []byte) (block.CID, error) {
	if len(k) < 1+cidBytesLen {
		return block.CID{}, errBadKey
	}
	return block.CidFromBytes(k[1 : 1+cidBytesLen])
}

func cidFromPinKey(k []byte) (block.CID, error) {
	if len(k) < 1+8+cidBytesLen {
		return block.CID{}, errBadKey
	}
	return block.CidFromBytes(k[1+8 : 1+8+cidBytesLen])
}

func encodeMeta(m metaRow) ([]byte, error)   { return encMode.Marshal(m) }
func encodeStats(s statsRow) ([]byte, error) { return encMode.Marshal(s) }

func decodeMeta(raw []byte) (metaRow, error) {
	var m metaRow
	err := decMode.Unmarshal(raw, &m)
	return m, err
}

func decodeStats(raw []byte) (statsRow, error) {
	var s statsRow
	err := decMode.Unmarshal(raw, &s)
	return s, err
}

func encodeRefs(refs []block.CID) ([]byte, error) {
	out := make([][]byte, 0, len(refs))
	for _, c := range refs {
		out = append(out, c.ToBytes())
	}
	return encMode.Marshal(out)
}

func decodeRefs(raw []byte) ([]block.CID, error) {
	var rows [][]byte
	if err := decMode.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	out := make([]block.CID, 0, len(rows))
	for _, r := range rows {
		c, err := block.CidFromBytes(r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
