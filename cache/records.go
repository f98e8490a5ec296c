package cache

import (
	"encoding/binary"

	ssixcore "github.com/cybersecuresix/ssixd"
	"github.com/cybersecuresix/ssixd/kvstore"
)

// On-disk key prefixes: a short string prefix followed by a fixed-width
// big-endian key, so per-prefix iteration walks records in order.
const (
	rawBlockPrefix  = "raw_block/"
	blockIdxPrefix  = "block_idx/"
	txPrefix        = "tx/"
	keyImagePrefix  = "key_image/"
	outputPrefix    = "output/"
)

func heightKey(prefix string, height uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], height)
	return key
}

func rawBlockKey(height uint64) []byte { return heightKey(rawBlockPrefix, height) }

func blockIndexRecordKey(hash ssixcore.Hash) []byte {
	return append([]byte(blockIdxPrefix), hash[:]...)
}

func txRecordKey(hash ssixcore.Hash) []byte {
	return append([]byte(txPrefix), hash[:]...)
}

func keyImageRecordKey(ki ssixcore.KeyImage) []byte {
	return append([]byte(keyImagePrefix), ki[:]...)
}

func outputRecordKey(amount, index uint64) []byte {
	key := make([]byte, len(outputPrefix)+16)
	copy(key, outputPrefix)
	binary.BigEndian.PutUint64(key[len(outputPrefix):], amount)
	binary.BigEndian.PutUint64(key[len(outputPrefix)+8:], index)
	return key
}

func putBlockIndexRecord(b *kvstore.Batch, hash ssixcore.Hash, height uint64) {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], height)
	b.Put(blockIndexRecordKey(hash), v[:])
}

func putTxRecord(b *kvstore.Batch, hash ssixcore.Hash, blockIndex uint64) {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], blockIndex)
	b.Put(txRecordKey(hash), v[:])
}

func putKeyImageRecord(b *kvstore.Batch, ki ssixcore.KeyImage, height uint64) {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], height)
	b.Put(keyImageRecordKey(ki), v[:])
}

func putOutputRecord(b *kvstore.Batch, amount, index uint64, ref OutputRef) {
	v := make([]byte, 32+4+1)
	copy(v, ref.TxHash[:])
	binary.BigEndian.PutUint32(v[32:], uint32(ref.OutputIndexInTx))
	if ref.Coinbase {
		v[36] = 1
	}
	b.Put(outputRecordKey(amount, index), v)
}

// PutRawBlock stages the raw_block/<height> record (block blob plus
// every referenced tx blob) into batch. Called before a PushBlock on
// the root cache commits, so the raw bytes and the derived indices land
// in the same atomic write.
func PutRawBlock(b *kvstore.Batch, height uint64, raw *ssixcore.RawBlock) error {
	enc, err := ssixcore.EncodeBinary(raw)
	if err != nil {
		return err
	}
	b.Put(rawBlockKey(height), enc)
	return nil
}
