// SPDX-FileCopyrightText: 2024 The srft Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/hashicorp/go-multierror"

	"github.com/dtn7/srft/pkg/channel"
	"github.com/dtn7/srft/pkg/receiver"
	"github.com/dtn7/srft/pkg/storage"
)

// fetch for the "fetch" CLI option. Each name is fetched in turn; the failures of
// all transfers are returned together. Stored files of the same name are replaced.
func fetch(ctx context.Context, rc receiverConf, names []string) (err error) {
	setup, err := rc.parse()
	if err != nil {
		return
	}

	peer, err := channel.ResolveUDPAddr(setup.server)
	if err != nil {
		return
	}

	store, err := storage.NewStore(setup.store)
	if err != nil {
		return
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			err = multierror.Append(err, closeErr)
		}
	}()

	ch, err := channel.ListenUDP(setup.listen)
	if err != nil {
		return
	}
	defer func() {
		if closeErr := ch.Close(); closeErr != nil {
			err = multierror.Append(err, closeErr)
		}
	}()

	r := receiver.NewReceiver(ch, peer, store, setup.conf)

	var fetchErrs error
	for _, name := range names {
		if ctx.Err() != nil {
			fetchErrs = multierror.Append(fetchErrs, ctx.Err())
			break
		}

		replaces := store.KnowsFile(name)

		res, fetchErr := r.Fetch(ctx, name)
		if fetchErr != nil {
			log.WithError(fetchErr).WithField("file", name).Warn("Fetching file failed")
			fetchErrs = multierror.Append(fetchErrs, fetchErr)
			continue
		}

		logger := log.WithFields(log.Fields{
			"file":     res.Filename,
			"size":     res.Size,
			"chunks":   res.Chunks,
			"rounds":   res.Rounds,
			"replaced": replaces,
		})

		if duplicates, dupErr := store.Duplicates(name); dupErr != nil {
			logger.WithError(dupErr).Warn("Looking up stored duplicates failed")
		} else if len(duplicates) > 0 {
			logger = logger.WithField("duplicates", fileNames(duplicates))
		}

		logger.Info("Stored file")
	}

	return fetchErrs
}

// fileNames of some FileItems, sorted.
func fileNames(fis []storage.FileItem) []string {
	names := make([]string, len(fis))
	for i, fi := range fis {
		names[i] = fi.Id
	}
	sort.Strings(names)
	return names
}
