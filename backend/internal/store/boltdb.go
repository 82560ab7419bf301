package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDocuments  = []byte("documents")
	bucketOperations = []byte("operations")    // 每个文档一个子 bucket，key 为大端序版本号
	bucketOpIndex    = []byte("operation_ids") // 每个文档一个子 bucket，operationId -> 版本号
)

// BoltStore 单机部署用的嵌入式存储
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(dataDir string) (*BoltStore, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "collab.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDocuments, bucketOperations, bucketOpIndex} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func versionKey(v uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, v)
	return k
}

func (s *BoltStore) Load(ctx context.Context, documentID string) (DocumentState, error) {
	var st DocumentState
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDocuments).Get([]byte(documentID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &st)
	})
	return st, err
}

func (s *BoltStore) Save(ctx context.Context, documentID string, state DocumentState) error {
	state.DocumentID = documentID
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		if old := b.Get([]byte(documentID)); old != nil {
			var prev DocumentState
			if err := json.Unmarshal(old, &prev); err == nil && prev.Version > state.Version {
				return nil
			}
		}
		return b.Put([]byte(documentID), data)
	})
}

func (s *BoltStore) AppendOperation(ctx context.Context, documentID string, rec OperationRecord, version uint64) error {
	rec.DocumentID = documentID
	rec.Version = version
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketOperations).CreateBucketIfNotExists([]byte(documentID))
		if err != nil {
			return err
		}
		key := versionKey(version)
		if old := b.Get(key); old != nil {
			var prev OperationRecord
			if err := json.Unmarshal(old, &prev); err != nil {
				return err
			}
			if prev.OperationID == rec.OperationID {
				return nil
			}
			return ErrVersionExists
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
		idx, err := tx.Bucket(bucketOpIndex).CreateBucketIfNotExists([]byte(documentID))
		if err != nil {
			return err
		}
		return idx.Put([]byte(rec.OperationID), key)
	})
}

func (s *BoltStore) FindOperation(ctx context.Context, documentID, operationID string) (OperationRecord, error) {
	var rec OperationRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketOpIndex).Bucket([]byte(documentID))
		if idx == nil {
			return ErrOperationNotFound
		}
		key := idx.Get([]byte(operationID))
		if key == nil {
			return ErrOperationNotFound
		}
		data := tx.Bucket(bucketOperations).Bucket([]byte(documentID)).Get(key)
		if data == nil {
			return ErrOperationNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

func (s *BoltStore) History(ctx context.Context, documentID string, sinceVersion uint64) ([]OperationRecord, error) {
	var out []OperationRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOperations).Bucket([]byte(documentID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(versionKey(sinceVersion + 1)); k != nil; k, v = c.Next() {
			var rec OperationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}
