// SPDX-FileCopyrightText: Copyright (C) 2026 The OpenAnonymity Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ticket

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/OpenAnonymity/oa-chat-sub000/core/log"
)

const (
	ticketsBucket = "tickets"
	archiveBucket = "archive"
)

// Store is the durable ledger of unredeemed and archived tickets, backed by
// a bolt database.  It is the single mutable resource shared between
// registration (writer) and key requests (reader/writer); operations are
// serialized so tickets removed for a key request are either fully
// consumed, or fully left in place, never half-removed.
type Store struct {
	sync.Mutex

	db  *bolt.DB
	log *logging.Logger
}

// NewStore opens or creates the ticket ledger at path.
func NewStore(path string, logBackend *log.Backend) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("ticket: failed to open ledger: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(ticketsBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(archiveBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("ticket: failed to initialize ledger: %w", err)
	}

	s := &Store{
		db:  db,
		log: logBackend.GetLogger("ticket/store"),
	}
	return s, nil
}

// Add persists tickets to the ledger in a single transaction; either every
// ticket is added or none are.
func (s *Store) Add(tickets []*Ticket) error {
	s.Lock()
	defer s.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(ticketsBucket))
		for _, t := range tickets {
			seq, err := bkt.NextSequence()
			if err != nil {
				return err
			}
			t.seq = seq
			blob, err := cbor.Marshal(t)
			if err != nil {
				return err
			}
			if err := bkt.Put(seqKey(seq), blob); err != nil {
				return err
			}
		}
		s.log.Debugf("Added %d tickets to ledger", len(tickets))
		return nil
	})
}

// Peek returns the n oldest unredeemed tickets without removing them.
// Returns ErrInsufficientTickets if fewer than n exist.
func (s *Store) Peek(n int) ([]*Ticket, error) {
	s.Lock()
	defer s.Unlock()

	tickets := make([]*Ticket, 0, n)
	if err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(ticketsBucket)).Cursor()
		for k, v := c.First(); k != nil && len(tickets) < n; k, v = c.Next() {
			t := new(Ticket)
			if err := cbor.Unmarshal(v, t); err != nil {
				return fmt.Errorf("corrupted ticket record: %w", err)
			}
			t.seq = binary.BigEndian.Uint64(k)
			tickets = append(tickets, t)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if len(tickets) < n {
		return nil, ErrInsufficientTickets
	}
	return tickets, nil
}

// Consume moves tickets from the unredeemed ledger to the archive in a
// single transaction.  Called both on successful redemption and on a
// confirmed double-spend; a ticket is never left half-removed.
func (s *Store) Consume(tickets []*Ticket) error {
	s.Lock()
	defer s.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(ticketsBucket))
		arc := tx.Bucket([]byte(archiveBucket))
		for _, t := range tickets {
			k := seqKey(t.seq)
			v := bkt.Get(k)
			if v == nil {
				return fmt.Errorf("ticket: record %d not in ledger", t.seq)
			}
			if err := arc.Put(k, v); err != nil {
				return err
			}
			if err := bkt.Delete(k); err != nil {
				return err
			}
		}
		s.log.Debugf("Consumed %d tickets", len(tickets))
		return nil
	})
}

// Count returns the number of unredeemed tickets.
func (s *Store) Count() (int, error) {
	return s.bucketCount(ticketsBucket)
}

// ArchivedCount returns the number of archived (consumed) tickets.
func (s *Store) ArchivedCount() (int, error) {
	return s.bucketCount(archiveBucket)
}

func (s *Store) bucketCount(name string) (int, error) {
	s.Lock()
	defer s.Unlock()

	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(name)).Stats().KeyN
		return nil
	})
	return n, err
}

// Close closes the ledger database.
func (s *Store) Close() error {
	s.Lock()
	defer s.Unlock()
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
