package core

// Embedded document store for auxiliary metadata (manifest tags and the
// like). Documents are JSON objects indexed by named unique field tuples,
// persisted in a badger keyspace per store.

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v2"
	"github.com/sirupsen/logrus"
)

var (
	ErrIndexNotFound   = fmt.Errorf("index not found")
	ErrDuplicateRecord = fmt.Errorf("duplicate record for unique index")
)

// IndexSpec names a unique index over one or more document fields.
type IndexSpec struct {
	Name   string
	Fields []string
}

// DocumentStore holds JSON documents with unique-index lookup.
type DocumentStore struct {
	name    string
	indexes []IndexSpec
	db      *badger.DB
}

// OpenDocumentStore opens (or creates) a badger-backed store under dir.
func OpenDocumentStore(dir, name string, indexes []IndexSpec) (*DocumentStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open document store %q: %w", dir, err)
	}
	return &DocumentStore{name: name, indexes: indexes, db: db}, nil
}

// Close releases the underlying database.
func (d *DocumentStore) Close() error {
	return d.db.Close()
}

func (d *DocumentStore) docKey(id string) []byte {
	return []byte("ds!" + d.name + "!doc!" + id)
}

func (d *DocumentStore) indexKey(index string, values []string) []byte {
	return []byte("ds!" + d.name + "!idx!" + index + "!" + strings.Join(values, "\x1f"))
}

// indexValues extracts the indexed field values from a decoded document.
// Every indexed field must be present and a string.
func indexValues(spec IndexSpec, doc map[string]interface{}) ([]string, error) {
	values := make([]string, 0, len(spec.Fields))
	for _, field := range spec.Fields {
		raw, ok := doc[field]
		if !ok {
			return nil, fmt.Errorf("document misses indexed field %q", field)
		}
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("indexed field %q is %T, want string", field, raw)
		}
		values = append(values, s)
	}
	return values, nil
}

// Insert stores a JSON document and registers it under every index. A
// collision on any unique index fails the whole insert.
func (d *DocumentStore) Insert(document string) error {
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(document), &doc); err != nil {
		return fmt.Errorf("document is not a JSON object: %w", err)
	}

	id := newUUID()
	return d.db.Update(func(txn *badger.Txn) error {
		for _, spec := range d.indexes {
			values, err := indexValues(spec, doc)
			if err != nil {
				return err
			}
			key := d.indexKey(spec.Name, values)
			if _, err := txn.Get(key); err == nil {
				return fmt.Errorf("index %q values %v: %w", spec.Name, values, ErrDuplicateRecord)
			} else if err != badger.ErrKeyNotFound {
				return fmt.Errorf("probe index %q: %w", spec.Name, err)
			}
			if err := txn.Set(key, []byte(id)); err != nil {
				return fmt.Errorf("write index %q: %w", spec.Name, err)
			}
		}
		if err := txn.Set(d.docKey(id), []byte(document)); err != nil {
			return fmt.Errorf("write document: %w", err)
		}
		logrus.Debugf("document store %s: inserted %s", d.name, id)
		return nil
	})
}

// FetchByIndex returns the document registered under the index with the
// given field values, in spec order.
func (d *DocumentStore) FetchByIndex(index string, values []string) (string, error) {
	known := false
	for _, spec := range d.indexes {
		if spec.Name == index {
			known = true
			break
		}
	}
	if !known {
		return "", fmt.Errorf("index %q: %w", index, ErrIndexNotFound)
	}

	var document string
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(d.indexKey(index, values))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("index %q values %v: %w", index, values, ErrNotFound)
		} else if err != nil {
			return fmt.Errorf("read index %q: %w", index, err)
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("read index value: %w", err)
		}
		doc, err := txn.Get(d.docKey(string(id)))
		if err != nil {
			return fmt.Errorf("read document %s: %w", id, err)
		}
		raw, err := doc.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("read document value: %w", err)
		}
		document = string(raw)
		return nil
	})
	if err != nil {
		return "", err
	}
	return document, nil
}
