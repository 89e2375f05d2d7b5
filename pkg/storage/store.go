// SPDX-FileCopyrightText: 2024 The srft Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package storage persists completely received files. The file contents are written
// to a directory, while a badgerhold database indexes them.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hashicorp/go-multierror"
	"github.com/timshannon/badgerhold"

	"github.com/dtn7/srft/pkg/source"
)

const (
	dirBadger string = "db"
	dirFiles  string = "files"
)

// Sink persists a named file. Only complete files are handed to a Sink.
type Sink interface {
	Persist(name string, data []byte) error
}

// FileItem describes a stored file.
type FileItem struct {
	Id string `badgerhold:"key"`

	Filename string
	Size     int
	Digest   string    `badgerholdIndex:"Digest"`
	Received time.Time
}

// Load the stored file's content from the disk.
func (fi FileItem) Load() ([]byte, error) {
	return os.ReadFile(fi.Filename)
}

// Store implements a Sink with an index of all received files.
type Store struct {
	bh *badgerhold.Store

	badgerDir string
	fileDir   string
}

// NewStore creates a new Store or opens an existing Store from the given path.
func NewStore(dir string) (s *Store, err error) {
	badgerDir := path.Join(dir, dirBadger)
	fileDir := path.Join(dir, dirFiles)

	opts := badgerhold.DefaultOptions
	opts.Dir = badgerDir
	opts.ValueDir = badgerDir
	opts.Logger = log.StandardLogger()
	opts.Options.ValueLogFileSize = 1<<28 - 1

	if dirErr := os.MkdirAll(badgerDir, 0700); dirErr != nil {
		err = dirErr
		return
	}
	if dirErr := os.MkdirAll(fileDir, 0700); dirErr != nil {
		err = dirErr
		return
	}

	if bh, bhErr := badgerhold.Open(opts); bhErr != nil {
		err = bhErr
	} else {
		s = &Store{
			bh: bh,

			badgerDir: badgerDir,
			fileDir:   fileDir,
		}
	}
	return
}

// Close the Store. It must not be used afterwards.
func (s *Store) Close() error {
	return s.bh.Close()
}

// Persist a received file. An already stored file of the same name is replaced. The
// content is written to a temporary file first, so no partial file is ever visible.
func (s *Store) Persist(name string, data []byte) error {
	if err := source.CheckName(name); err != nil {
		return err
	}

	sum := sha256.Sum256(data)
	fi := FileItem{
		Id:       name,
		Filename: path.Join(s.fileDir, name),
		Size:     len(data),
		Digest:   hex.EncodeToString(sum[:]),
		Received: time.Now(),
	}

	tmp, err := os.CreateTemp(s.fileDir, ".incoming-*")
	if err != nil {
		return err
	}

	var errs error
	if _, err := tmp.Write(data); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := tmp.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if errs == nil {
		if err := os.Rename(tmp.Name(), fi.Filename); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if errs != nil {
		if err := os.Remove(tmp.Name()); err != nil {
			errs = multierror.Append(errs, err)
		}
		return errs
	}

	if err := s.bh.Upsert(fi.Id, fi); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"file":   name,
		"size":   fi.Size,
		"digest": fi.Digest,
	}).Info("Store persisted file")

	return nil
}

// QueryName fetches the FileItem for the given name.
func (s *Store) QueryName(name string) (fi FileItem, err error) {
	err = s.bh.Get(name, &fi)
	return
}

// QueryDigest fetches all FileItems with the given SHA-256 hex digest.
func (s *Store) QueryDigest(digest string) (fis []FileItem, err error) {
	err = s.bh.Find(&fis, badgerhold.Where("Digest").Eq(digest))
	return
}

// KnowsFile checks if a file of this name is stored.
func (s *Store) KnowsFile(name string) bool {
	_, err := s.QueryName(name)
	return err != badgerhold.ErrNotFound
}

// Duplicates returns all other stored files with the same content as the named one.
func (s *Store) Duplicates(name string) ([]FileItem, error) {
	fi, err := s.QueryName(name)
	if err != nil {
		return nil, err
	}

	fis, err := s.QueryDigest(fi.Digest)
	if err != nil {
		return nil, err
	}

	duplicates := make([]FileItem, 0, len(fis))
	for _, other := range fis {
		if other.Id != fi.Id {
			duplicates = append(duplicates, other)
		}
	}
	return duplicates, nil
}

func (s *Store) String() string {
	return fmt.Sprintf("Store(%s)", s.fileDir)
}
