// Copyright 2021-2022 The walktrack Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alwitt/walktrack/common"
	"github.com/apex/log"
	"github.com/boltdb/bolt"
)

// boltRouteStore RouteStore on a Bolt file, one bucket per session
type boltRouteStore struct {
	common.Component
	db *bolt.DB
}

// NewBoltRouteStore open a Bolt backed RouteStore
func NewBoltRouteStore(path string) (RouteStore, error) {
	logTags := log.Fields{"module": "storage", "component": "bolt-route-store", "instance": path}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second * 5})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to open database")
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	log.WithFields(logTags).Info("Opened route store")
	return &boltRouteStore{Component: common.Component{LogTags: logTags}, db: db}, nil
}

func routeBucket(sessionID string) []byte {
	return []byte(fmt.Sprintf("route/%s", sessionID))
}

func sequenceKey(sequenceNo uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, sequenceNo)
	return key
}

// AppendSamples record a batch of samples
func (s *boltRouteStore) AppendSamples(
	ctxt context.Context, samples []common.LocationSample,
) error {
	if len(samples) == 0 {
		return nil
	}
	if err := ctxt.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, sample := range samples {
			bucket, err := tx.CreateBucketIfNotExists(routeBucket(sample.SessionID))
			if err != nil {
				return err
			}
			key := sequenceKey(sample.SequenceNo)
			if bucket.Get(key) != nil {
				continue
			}
			value, err := json.Marshal(&sample)
			if err != nil {
				return err
			}
			if err := bucket.Put(key, value); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadSamples fetch the samples of a session after a sequence number
func (s *boltRouteStore) ReadSamples(
	ctxt context.Context, sessionID string, since uint64, limit int,
) ([]common.LocationSample, error) {
	if err := ctxt.Err(); err != nil {
		return nil, err
	}
	result := []common.LocationSample{}
	if since >= MaxSequenceNo {
		return result, nil
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(routeBucket(sessionID))
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		for k, v := cursor.Seek(sequenceKey(since + 1)); k != nil; k, v = cursor.Next() {
			if limit > 0 && len(result) >= limit {
				break
			}
			var sample common.LocationSample
			if err := json.Unmarshal(v, &sample); err != nil {
				return err
			}
			result = append(result, sample)
		}
		return nil
	})
	return result, err
}

// LastSample fetch the newest sample of a session
func (s *boltRouteStore) LastSample(
	ctxt context.Context, sessionID string,
) (common.LocationSample, error) {
	var sample common.LocationSample
	if err := ctxt.Err(); err != nil {
		return sample, err
	}
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(routeBucket(sessionID))
		if bucket == nil {
			return nil
		}
		_, v := bucket.Cursor().Last()
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &sample)
	})
	if err != nil {
		return sample, err
	}
	if !found {
		return sample, common.NotFoundErrorf("no stored samples for session %s", sessionID)
	}
	return sample, nil
}

// Close close the database
func (s *boltRouteStore) Close() error {
	log.WithFields(s.LogTags).Info("Closing route store")
	return s.db.Close()
}
