package adapters

import (
	"bytes"
	"strings"

	"github.com/brettbedarf/layerfs/internal/util"
	"github.com/syndtr/goleveldb/leveldb"
	lvlutil "github.com/syndtr/goleveldb/leveldb/util"
	"github.com/vmihailenco/msgpack/v5"
)

// keySep separates the path from the attribute name in database keys
const keySep = "\x00"

// LevelAttributes is a persistent [layerfs.Attributes] stored in a
// leveldb database. Values are msgpack encoded; numbers read back as
// int64, uint64 or float64.
type LevelAttributes struct {
	db     *leveldb.DB
	logger util.Logger
}

// OpenLevelAttributes opens (or creates) the database in dir.
func OpenLevelAttributes(dir string) (*LevelAttributes, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, err
	}
	return NewLevelAttributes(db), nil
}

func NewLevelAttributes(db *leveldb.DB) *LevelAttributes {
	return &LevelAttributes{db: db, logger: util.GetLogger("LevelAttributes")}
}

func attrKey(p, key string) []byte {
	return []byte(p + keySep + key)
}

func (l *LevelAttributes) ReadAttr(p, key string) (any, error) {
	data, err := l.db.Get(attrKey(p, key), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeValue(data)
}

func (l *LevelAttributes) WriteAttr(p, key string, value any) error {
	if value == nil {
		return l.db.Delete(attrKey(p, key), nil)
	}
	data, err := msgpack.Marshal(value)
	if err != nil {
		return err
	}
	return l.db.Put(attrKey(p, key), data, nil)
}

func (l *LevelAttributes) AttrKeys(p string) ([]string, error) {
	prefix := []byte(p + keySep)
	iter := l.db.NewIterator(lvlutil.BytesPrefix(prefix), nil)
	defer iter.Release()

	var keys []string
	for iter.Next() {
		keys = append(keys, string(bytes.TrimPrefix(iter.Key(), prefix)))
	}
	return keys, iter.Error()
}

func (l *LevelAttributes) RenameAttrs(oldPath, newPath string) error {
	batch := new(leveldb.Batch)
	err := l.eachInSubtree(oldPath, func(k, v []byte) {
		batch.Delete(k)
		batch.Put([]byte(newPath+strings.TrimPrefix(string(k), oldPath)), v)
	})
	if err != nil {
		return err
	}
	l.logger.Trace().Str("from", oldPath).Str("to", newPath).Int("keys", batch.Len()/2).Msg("Moving attributes")
	return l.db.Write(batch, nil)
}

func (l *LevelAttributes) DeleteAttrs(p string) error {
	batch := new(leveldb.Batch)
	err := l.eachInSubtree(p, func(k, _ []byte) {
		batch.Delete(k)
	})
	if err != nil {
		return err
	}
	return l.db.Write(batch, nil)
}

// eachInSubtree visits the attributes of p and of every path below it.
func (l *LevelAttributes) eachInSubtree(p string, fn func(k, v []byte)) error {
	prefixes := []string{p + keySep, p + "/"}
	if p == "" {
		prefixes = []string{""}
	}
	for _, prefix := range prefixes {
		iter := l.db.NewIterator(lvlutil.BytesPrefix([]byte(prefix)), nil)
		for iter.Next() {
			fn(bytes.Clone(iter.Key()), bytes.Clone(iter.Value()))
		}
		iter.Release()
		if err := iter.Error(); err != nil {
			return err
		}
	}
	return nil
}

func (l *LevelAttributes) Close() error {
	return l.db.Close()
}

func decodeValue(data []byte) (any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
