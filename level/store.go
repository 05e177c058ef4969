// Package level persists the anchoring protocol's committed state behind a
// tm-db key/value store: memdb for tests, goleveldb in production.
package level

import (
	"encoding/json"
	"strings"

	"github.com/tendermint/tendermint/libs/log"
	dbm "github.com/tendermint/tm-db"
)

type Store struct {
	Db     dbm.DB
	Logger log.Logger
}

func NewStore(db dbm.DB, logger log.Logger) *Store {
	return &Store{
		Db:     db,
		Logger: logger,
	}
}

// OpenStore opens (or creates) the leveldb backing store under homePath/data.
func OpenStore(name string, homePath string, logger log.Logger) *Store {
	db := dbm.NewDB(name, dbm.GoLevelDBBackend, homePath+"/data")
	return NewStore(db, logger)
}

func (store *Store) GetOne(key string) (string, error) {
	bArr, err := store.Db.Get([]byte(key))
	if err != nil {
		return "", err
	}
	return string(bArr), nil
}

func (store *Store) Set(key string, value string) error {
	return store.Db.Set([]byte(key), []byte(value))
}

func (store *Store) Del(key string) error {
	return store.Db.Delete([]byte(key))
}

// Get retrieves a json string array stored under key.
func (store *Store) Get(key string) ([]string, error) {
	bArr, err := store.Db.Get([]byte(key))
	if err != nil {
		return []string{}, err
	}
	if bArr == nil {
		return []string{}, nil
	}
	var arr []string
	err = json.Unmarshal(bArr, &arr)
	if err != nil {
		return []string{}, err
	}
	return arr, nil
}

// Append adds a value to the json string array stored under key.
func (store *Store) Append(key string, value string) error {
	results, err := store.Get(key)
	if err != nil {
		return err
	}
	results = append(results, value)
	bArr, _ := json.Marshal(results)
	return store.Db.Set([]byte(key), bArr)
}

// GetJSON unmarshals the value under key into out, reporting whether the key existed.
func (store *Store) GetJSON(key string, out interface{}) (bool, error) {
	bArr, err := store.Db.Get([]byte(key))
	if err != nil || bArr == nil {
		return false, err
	}
	return true, json.Unmarshal(bArr, out)
}

// SetJSON marshals value under key.
func (store *Store) SetJSON(key string, value interface{}) error {
	bArr, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return store.Db.Set([]byte(key), bArr)
}

// KeysWithPrefix lists all stored keys beginning with prefix.
func (store *Store) KeysWithPrefix(prefix string) ([]string, error) {
	itr, err := store.Db.Iterator(nil, nil)
	if err != nil {
		return nil, err
	}
	defer itr.Close()
	keys := []string{}
	for ; itr.Valid(); itr.Next() {
		key := string(itr.Key())
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
