// Package persist keeps one fixed size binary record in crash safe storage.
package persist

import (
	"bytes"
	"encoding"
	"expvar"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/dronelink/dronelink/log2"
	"github.com/juju/errors"
	"github.com/temoto/extremofile"
)

type Record interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type storage interface {
	Read() ([]byte, error)
	io.Writer
}

type Stat struct {
	Loads     expvar.Int
	Stores    expvar.Int
	Unchanged expvar.Int // store skipped, same bytes as last written
	Errors    expvar.Int
}

func (s *Stat) String() string {
	return fmt.Sprintf("loads=%d stores=%d unchanged=%d errors=%d",
		s.Loads.Value(), s.Stores.Value(), s.Unchanged.Value(), s.Errors.Value())
}

// Slot binds record to extremofile storage under root/name.
// Storage does not truncate, record must marshal to fixed size.
type Slot struct {
	mu      sync.Mutex
	log     *log2.Log
	name    string
	record  Record
	storage storage
	last    []byte
	stat    Stat
}

// Open with empty root returns disabled slot, Load and Store do nothing.
func Open(root, name string, record Record, log *log2.Log) (*Slot, error) {
	s := &Slot{log: log, name: name}
	if root == "" {
		log.Debugf("persist %s disabled", name)
		return s, nil
	}
	if record == nil {
		return nil, errors.NotValidf("code error persist %s record=nil", name)
	}
	s.record = record
	s.storage = extremofile.New(extremofile.Config{
		Dir:      filepath.Join(root, name),
		DirPerm:  0755,
		FilePerm: 0644,
	})
	return s, nil
}

func (s *Slot) Enabled() bool { return s.storage != nil }
func (s *Slot) Stat() *Stat   { return &s.stat }

// Load reports false without error on first run.
func (s *Slot) Load() (bool, error) {
	if s.storage == nil {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.storage.Read()
	if b == nil {
		if err != nil {
			s.stat.Errors.Add(1)
		}
		return false, errors.Annotatef(err, "persist %s load", s.name)
	}
	if err != nil {
		// extremofile recovered data from a backup copy
		s.log.Errorf("persist %s ignore non-critical storage err=%v", s.name, err)
	}
	if err = s.record.UnmarshalBinary(b); err != nil {
		s.stat.Errors.Add(1)
		return false, errors.Annotatef(err, "persist %s load", s.name)
	}
	s.stat.Loads.Add(1)
	s.last = b
	return true, nil
}

// Store writes record unless it marshals to the bytes stored last time.
func (s *Slot) Store() error {
	if s.storage == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.record.MarshalBinary()
	if err == nil && bytes.Equal(b, s.last) {
		s.stat.Unchanged.Add(1)
		return nil
	}
	if err == nil {
		_, err = s.storage.Write(b)
	}
	if err != nil {
		s.stat.Errors.Add(1)
		return errors.Annotatef(err, "persist %s store", s.name)
	}
	s.stat.Stores.Add(1)
	s.last = b
	return nil
}
