package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Layout: devices/<ieee> = Device JSON; activity/<ieee>/<seq> = Activity JSON,
// seq a big-endian bucket sequence so cursor order is insertion order.
var (
	bucketDevices  = []byte("devices")
	bucketActivity = []byte("activity")
)

// BoltStore implements Store on a bbolt file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketDevices, bucketActivity} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("bucket %s: %w", name, err)
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

func readDevice(b *bolt.Bucket, ieee string) (*Device, error) {
	data := b.Get([]byte(ieee))
	if data == nil {
		return nil, fmt.Errorf("device %s: %w", ieee, ErrNotFound)
	}
	var dev Device
	if err := json.Unmarshal(data, &dev); err != nil {
		return nil, fmt.Errorf("unmarshal device %s: %w", ieee, err)
	}
	return &dev, nil
}

func writeDevice(b *bolt.Bucket, dev *Device) error {
	data, err := json.Marshal(dev)
	if err != nil {
		return fmt.Errorf("marshal device %s: %w", dev.IEEEAddress, err)
	}
	return b.Put([]byte(dev.IEEEAddress), data)
}

func (s *BoltStore) SaveDevice(dev *Device) error {
	if dev.IEEEAddress == "" {
		return errors.New("save device: empty ieee address")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return writeDevice(tx.Bucket(bucketDevices), dev)
	})
}

func (s *BoltStore) GetDevice(ieee string) (*Device, error) {
	var dev *Device
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		dev, err = readDevice(tx.Bucket(bucketDevices), ieee)
		return err
	})
	return dev, err
}

// UpdateDevice keeps the stored address even if fn changes it.
func (s *BoltStore) UpdateDevice(ieee string, fn func(dev *Device) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		dev, err := readDevice(b, ieee)
		if err != nil {
			return err
		}
		if err := fn(dev); err != nil {
			return err
		}
		dev.IEEEAddress = ieee
		return writeDevice(b, dev)
	})
}

func (s *BoltStore) DeleteDevice(ieee string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketDevices).Delete([]byte(ieee)); err != nil {
			return err
		}
		err := tx.Bucket(bucketActivity).DeleteBucket([]byte(ieee))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

func (s *BoltStore) ListDevices() ([]*Device, error) {
	var devices []*Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		devices = make([]*Device, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var dev Device
			if err := json.Unmarshal(v, &dev); err != nil {
				return fmt.Errorf("unmarshal device %s: %w", k, err)
			}
			devices = append(devices, &dev)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) AppendActivity(ieee string, a Activity) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal activity %s: %w", ieee, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketDevices).Get([]byte(ieee)) == nil {
			return fmt.Errorf("device %s: %w", ieee, ErrNotFound)
		}
		b, err := tx.Bucket(bucketActivity).CreateBucketIfNotExists([]byte(ieee))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		if err := b.Put(key[:], data); err != nil {
			return err
		}
		return trimActivity(b)
	})
}

// trimActivity deletes the oldest entries beyond MaxActivity. Keys are
// contiguous sequences, so the count follows from the first and last key.
func trimActivity(b *bolt.Bucket) error {
	c := b.Cursor()
	first, _ := c.First()
	last, _ := c.Last()
	if first == nil {
		return nil
	}
	excess := int(binary.BigEndian.Uint64(last)-binary.BigEndian.Uint64(first)) + 1 - MaxActivity
	for k, _ := c.First(); k != nil && excess > 0; k, _ = c.First() {
		if err := c.Delete(); err != nil {
			return err
		}
		excess--
	}
	return nil
}

func (s *BoltStore) ListActivity(ieee string, limit int) ([]Activity, error) {
	var out []Activity
	err := s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketDevices).Get([]byte(ieee)) == nil {
			return fmt.Errorf("device %s: %w", ieee, ErrNotFound)
		}
		b := tx.Bucket(bucketActivity).Bucket([]byte(ieee))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) == limit {
				break
			}
			var a Activity
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("unmarshal activity %s/%x: %w", ieee, k, err)
			}
			out = append(out, a)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
