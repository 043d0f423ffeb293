// Package storage persists published artifacts in BadgerDB so an
// environment's output survives the process that produced it.
package storage

import (
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/atelierlabs/atelier/core"
)

// Metrics counts archive operations. Read with atomic loads.
type Metrics struct {
	PutCount    int64
	GetCount    int64
	DeleteCount int64
	ScanCount   int64
	Errors      int64
}

// Archive is a persistent artifact store backed by BadgerDB. Artifacts are
// keyed artifact/<creator>/<id> so a creator's output is one prefix scan.
type Archive struct {
	db      *badger.DB
	config  Config
	metrics Metrics
	gcStop  chan struct{}
}

// Open opens (or creates) an archive at config.DataDir.
func Open(config Config) (*Archive, error) {
	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Join(config.DataDir, "archive"))
	}
	opts.SyncWrites = config.SyncWrites
	if config.DisableLogging {
		opts.Logger = nil
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	a := &Archive{db: db, config: config, gcStop: make(chan struct{})}
	if config.GCInterval > 0 && !config.InMemory {
		go a.gcRoutine(time.Duration(config.GCInterval) * time.Second)
	}
	return a, nil
}

func (a *Archive) gcRoutine(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.gcStop:
			return
		case <-ticker.C:
			if err := a.RunGC(); err != nil && err != badger.ErrNoRewrite {
				log.Printf("archive GC failed: %v", err)
			}
		}
	}
}

// RunGC runs one value-log garbage collection pass.
func (a *Archive) RunGC() error {
	return a.db.RunValueLogGC(0.5)
}

// Metrics returns a snapshot of the operation counters.
func (a *Archive) Metrics() Metrics {
	return Metrics{
		PutCount:    atomic.LoadInt64(&a.metrics.PutCount),
		GetCount:    atomic.LoadInt64(&a.metrics.GetCount),
		DeleteCount: atomic.LoadInt64(&a.metrics.DeleteCount),
		ScanCount:   atomic.LoadInt64(&a.metrics.ScanCount),
		Errors:      atomic.LoadInt64(&a.metrics.Errors),
	}
}

func (a *Archive) countErr(err error) error {
	if err != nil {
		atomic.AddInt64(&a.metrics.Errors, 1)
	}
	return err
}

// Put stores a raw key-value pair.
func (a *Archive) Put(key string, value []byte) error {
	atomic.AddInt64(&a.metrics.PutCount, 1)
	return a.countErr(a.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	}))
}

// Get retrieves a value by key. A missing key returns a nil value and nil
// error.
func (a *Archive) Get(key string) ([]byte, error) {
	atomic.AddInt64(&a.metrics.GetCount, 1)
	var valCopy []byte
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			valCopy = append([]byte{}, val...)
			return nil
		})
	})
	if err != nil {
		return nil, a.countErr(fmt.Errorf("get %s: %w", key, err))
	}
	return valCopy, nil
}

// Delete removes a key.
func (a *Archive) Delete(key string) error {
	atomic.AddInt64(&a.metrics.DeleteCount, 1)
	return a.countErr(a.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	}))
}

// GetByPrefix returns all key-value pairs under a prefix.
func (a *Archive) GetByPrefix(prefix string) (map[string][]byte, error) {
	atomic.AddInt64(&a.metrics.ScanCount, 1)
	result := make(map[string][]byte)
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefixBytes := []byte(prefix)
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			item := it.Item()
			k := append([]byte{}, item.Key()...)
			err := item.Value(func(v []byte) error {
				result[string(k)] = append([]byte{}, v...)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, a.countErr(fmt.Errorf("scan %s: %w", prefix, err))
	}
	return result, nil
}

// PutObject stores obj as JSON under key.
func (a *Archive) PutObject(key string, obj interface{}) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return a.countErr(fmt.Errorf("marshal %s: %w", key, err))
	}
	return a.Put(key, data)
}

// GetObject loads the JSON stored under key into obj. A missing key is an
// error here, unlike Get.
func (a *Archive) GetObject(key string, obj interface{}) error {
	data, err := a.Get(key)
	if err != nil {
		return err
	}
	if data == nil {
		return a.countErr(fmt.Errorf("get %s: %w", key, badger.ErrKeyNotFound))
	}
	return a.countErr(json.Unmarshal(data, obj))
}

func artifactKey(creator, id string) string {
	return fmt.Sprintf("artifact/%s/%s", creator, id)
}

// SaveArtifact persists one artifact.
func (a *Archive) SaveArtifact(art *core.Artifact) error {
	return a.PutObject(artifactKey(art.Creator, art.ID), art)
}

// ArtifactsByCreator loads every artifact a creator has published, oldest
// first.
func (a *Archive) ArtifactsByCreator(creator string) ([]*core.Artifact, error) {
	return a.loadArtifacts("artifact/" + creator + "/")
}

// AllArtifacts loads every stored artifact, oldest first.
func (a *Archive) AllArtifacts() ([]*core.Artifact, error) {
	return a.loadArtifacts("artifact/")
}

func (a *Archive) loadArtifacts(prefix string) ([]*core.Artifact, error) {
	raw, err := a.GetByPrefix(prefix)
	if err != nil {
		return nil, err
	}
	arts := make([]*core.Artifact, 0, len(raw))
	for key, data := range raw {
		var art core.Artifact
		if err := json.Unmarshal(data, &art); err != nil {
			return nil, a.countErr(fmt.Errorf("decode %s: %w", key, err))
		}
		arts = append(arts, &art)
	}
	sort.Slice(arts, func(i, j int) bool { return arts[i].EnvTime < arts[j].EnvTime })
	return arts, nil
}

// Close stops the GC routine and closes the database. Safe to call once.
func (a *Archive) Close() error {
	close(a.gcStop)
	return a.db.Close()
}
