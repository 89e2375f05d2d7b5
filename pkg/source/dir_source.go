// SPDX-FileCopyrightText: 2024 The srft Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package source

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/fsnotify/fsnotify"
)

// DirSource serves the regular files of a single directory. Loaded files are kept in
// memory until a file system event for them is observed, so retransmission requests
// do not read the same file again.
type DirSource struct {
	dir string

	cache      map[string][]byte
	generation uint64
	cacheMutex sync.Mutex

	watcher *fsnotify.Watcher

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewDirSource for the given directory. If the directory cannot be watched, files are
// read again for every Load.
func NewDirSource(dir string) (ds *DirSource, err error) {
	if info, statErr := os.Stat(dir); statErr != nil {
		err = statErr
		return
	} else if !info.IsDir() {
		err = fmt.Errorf("%s is not a directory", dir)
		return
	}

	ds = &DirSource{
		dir:     dir,
		cache:   make(map[string][]byte),
		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}

	if ds.watcher, err = fsnotify.NewWatcher(); err != nil {
		log.WithError(err).WithField("directory", dir).Warn("Starting file watcher errored, disabling cache")
		ds.watcher, err = nil, nil
	} else if err = ds.watcher.Add(dir); err != nil {
		log.WithError(err).WithField("directory", dir).Warn("Watching directory errored, disabling cache")
		_ = ds.watcher.Close()
		ds.watcher, err = nil, nil
	}

	if ds.watcher != nil {
		go ds.handler()
	} else {
		close(ds.stopAck)
	}

	log.WithFields(log.Fields{
		"directory": dir,
		"cache":     ds.watcher != nil,
	}).Info("Serving files from directory")

	return
}

func (ds *DirSource) handler() {
	defer close(ds.stopAck)

	for {
		select {
		case <-ds.stopSyn:
			return

		case e, ok := <-ds.watcher.Events:
			if !ok {
				log.Error("fsnotify's Event channel was closed")
				ds.invalidateAll()
				return
			}

			log.WithFields(log.Fields{
				"file":      e.Name,
				"operation": e.Op.String(),
			}).Debug("Invalidating cached file")

			ds.invalidate(filepath.Base(e.Name))

		case err, ok := <-ds.watcher.Errors:
			if !ok {
				log.Error("fsnotify's Errors channel was closed")
				ds.invalidateAll()
				return
			}

			// Events might have been missed.
			log.WithError(err).Warn("fsnotify errored, flushing cache")
			ds.invalidateAll()
		}
	}
}

func (ds *DirSource) invalidate(name string) {
	ds.cacheMutex.Lock()
	defer ds.cacheMutex.Unlock()

	delete(ds.cache, name)
	ds.generation++
}

func (ds *DirSource) invalidateAll() {
	ds.cacheMutex.Lock()
	defer ds.cacheMutex.Unlock()

	ds.cache = make(map[string][]byte)
	ds.generation++
}

func (ds *DirSource) caching() bool {
	select {
	case <-ds.stopAck:
		return false
	default:
		return ds.watcher != nil
	}
}

// Load a file from the directory.
func (ds *DirSource) Load(name string) ([]byte, error) {
	if err := CheckName(name); err != nil {
		return nil, err
	}

	ds.cacheMutex.Lock()
	data, cached := ds.cache[name]
	generation := ds.generation
	ds.cacheMutex.Unlock()

	if cached {
		return data, nil
	}

	data, err := ds.read(name)
	if err != nil {
		return nil, err
	}

	if ds.caching() {
		ds.cacheMutex.Lock()
		// Skip caching if the directory changed while reading.
		if generation == ds.generation {
			ds.cache[name] = data
		}
		ds.cacheMutex.Unlock()
	}

	return data, nil
}

func (ds *DirSource) read(name string) ([]byte, error) {
	filePath := filepath.Join(ds.dir, name)

	if info, err := os.Stat(filePath); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	} else if err != nil {
		return nil, err
	} else if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %q is not a regular file", ErrNotFound, name)
	}

	data, err := os.ReadFile(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return data, err
}

// Close the DirSource and its file watcher.
func (ds *DirSource) Close() error {
	if ds.watcher == nil {
		return nil
	}

	close(ds.stopSyn)
	<-ds.stopAck
	return ds.watcher.Close()
}
