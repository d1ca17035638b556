package collab

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/glog"
)

// KeyValueStore is the persistence surface for tokens and preferences.
// it is injected everywhere it is needed so hosts and tests can substitute
// their own backing.
type KeyValueStore interface {
	Get(key string) (value string, ok bool)
	Set(key string, value string)
	Remove(key string)
}

type MemoryStore struct {
	mutex  sync.Mutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: map[string]string{},
	}
}

func (self *MemoryStore) Get(key string) (string, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	value, ok := self.values[key]
	return value, ok
}

func (self *MemoryStore) Set(key string, value string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.values[key] = value
}

func (self *MemoryStore) Remove(key string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.values, key)
}

// FileStore keeps the entire map in one json file, written on every mutation.
// the map is small (a token and a handful of preferences), so a full rewrite
// per mutation is fine.
type FileStore struct {
	mutex  sync.Mutex
	path   string
	values map[string]string
}

func NewFileStore(path string) (*FileStore, error) {
	store := &FileStore{
		path:   path,
		values: map[string]string{},
	}
	if b, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(b, &store.values); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	return store, nil
}

func (self *FileStore) Get(key string) (string, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	value, ok := self.values[key]
	return value, ok
}

func (self *FileStore) Set(key string, value string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.values[key] = value
	self.save()
}

func (self *FileStore) Remove(key string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.values, key)
	self.save()
}

// caller holds the mutex
func (self *FileStore) save() {
	b, err := json.Marshal(self.values)
	if err != nil {
		glog.Infof("[store]marshal error = %s\n", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(self.path), 0700); err != nil {
		glog.Infof("[store]mkdir error = %s\n", err)
		return
	}
	if err := os.WriteFile(self.path, b, 0600); err != nil {
		glog.Infof("[store]write error = %s\n", err)
	}
}
