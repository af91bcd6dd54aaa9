package repository

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

func attrKey(id uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], id)
	return b[:]
}

func obmcKey(id uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], id)
	return b[:]
}

func decodeOBMCIndexValue(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

func putAttributesTx(tx *bolt.Tx, attrs Attributes) error {
	data, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	return tx.Bucket([]byte(bucketAttributes)).Put(attrKey(attrs.PELID), data)
}

func putOBMCIndexTx(tx *bolt.Tx, obmcID, pelID uint32) error {
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], pelID)
	return tx.Bucket([]byte(bucketOBMCIndex)).Put(obmcKey(obmcID), v[:])
}

// putAttributes writes attrs in its own transaction; used by rebuild and by
// the in-place transmission-state setters where no other index mutation is
// needed in the same commit.
func (r *Repository) putAttributes(attrs Attributes) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		if err := putAttributesTx(tx, attrs); err != nil {
			return err
		}
		if attrs.OBMCID != 0 {
			return putOBMCIndexTx(tx, attrs.OBMCID, attrs.PELID)
		}
		return nil
	})
}

func statsKey(class SizeClass) []byte {
	return []byte(class.String())
}

func statsTotal(b *bolt.Bucket, class SizeClass) int64 {
	data := b.Get(statsKey(class))
	if data == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(data))
}

func putStatsTotal(b *bolt.Bucket, class SizeClass, total int64) error {
	var v [8]byte
	if total < 0 {
		total = 0
	}
	binary.BigEndian.PutUint64(v[:], uint64(total))
	return b.Put(statsKey(class), v[:])
}

func addToStatsTx(tx *bolt.Tx, class SizeClass, delta int64) error {
	b := tx.Bucket([]byte(bucketStats))
	current := statsTotal(b, class)
	return putStatsTotal(b, class, current+delta)
}
