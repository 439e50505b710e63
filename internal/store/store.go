// Package store persists group state between runs: one bbolt bucket of
// CBOR-encoded records keyed by chat id.
package store

import (
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketGroups = []byte("groups")

	ErrNotFound = errors.New("store: group not found")
)

// SavedPeer is a peer we may reconnect to: its static encryption key and the
// relay it was last reachable through.
type SavedPeer struct {
	PublicKey []byte `cbor:"1,keyasint"`
	Relay     []byte `cbor:"2,keyasint"`
}

// SavedGroup is the persisted layout for one group.
type SavedGroup struct {
	FounderKey     []byte `cbor:"1,keyasint"`
	GroupName      []byte `cbor:"2,keyasint"`
	PrivacyState   uint8  `cbor:"3,keyasint"`
	MaxPeers       uint32 `cbor:"4,keyasint"`
	Password       []byte `cbor:"5,keyasint"`
	ModListHash    []byte `cbor:"6,keyasint"`
	StateVersion   uint32 `cbor:"7,keyasint"`
	StateSignature []byte `cbor:"8,keyasint"`

	Topic          []byte `cbor:"9,keyasint"`
	TopicSigner    []byte `cbor:"10,keyasint"`
	TopicVersion   uint32 `cbor:"11,keyasint"`
	TopicSignature []byte `cbor:"12,keyasint"`

	ChatPublicKey []byte `cbor:"13,keyasint"`
	ChatSecretKey []byte `cbor:"14,keyasint,omitempty"`
	SelfPublicKey []byte `cbor:"15,keyasint"`
	SelfSecretKey []byte `cbor:"16,keyasint"`

	SelfNick   []byte `cbor:"17,keyasint"`
	SelfRole   uint8  `cbor:"18,keyasint"`
	SelfStatus uint8  `cbor:"19,keyasint"`

	ModList [][]byte    `cbor:"20,keyasint"`
	Peers   []SavedPeer `cbor:"21,keyasint"`

	SavedAt int64 `cbor:"22,keyasint"`
}

// Store wraps the bbolt database.
type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketGroups)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Put saves a group under its chat id.
func (s *Store) Put(chatID []byte, g *SavedGroup) error {
	if g.SavedAt == 0 {
		g.SavedAt = time.Now().Unix()
	}
	data, err := cbor.Marshal(g)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGroups).Put(chatID, data)
	})
}

// Get loads the group saved under chatID.
func (s *Store) Get(chatID []byte) (*SavedGroup, error) {
	var out *SavedGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketGroups).Get(chatID)
		if data == nil {
			return ErrNotFound
		}
		g := new(SavedGroup)
		if err := cbor.Unmarshal(data, g); err != nil {
			return err
		}
		out = g
		return nil
	})
	return out, err
}

// List returns every saved group.
func (s *Store) List() ([]*SavedGroup, error) {
	var out []*SavedGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGroups).ForEach(func(_, data []byte) error {
			g := new(SavedGroup)
			if err := cbor.Unmarshal(data, g); err != nil {
				return err
			}
			out = append(out, g)
			return nil
		})
	})
	return out, err
}

// Delete removes a saved group.
func (s *Store) Delete(chatID []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGroups).Delete(chatID)
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}
