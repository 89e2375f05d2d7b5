// SPDX-FileCopyrightText: 2024 The srft Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/hashicorp/go-multierror"

	"github.com/dtn7/srft/pkg/channel"
	"github.com/dtn7/srft/pkg/source"
	"github.com/dtn7/srft/pkg/transmitter"
)

// serve for the "serve" CLI option, until the context is canceled.
func serve(ctx context.Context, tc transmitterConf) (err error) {
	setup, err := tc.parse()
	if err != nil {
		return
	}

	ds, err := source.NewDirSource(setup.directory)
	if err != nil {
		return
	}
	defer func() {
		if closeErr := ds.Close(); closeErr != nil {
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

	tx, err := transmitter.NewTransmitter(ds, setup.conf)
	if err != nil {
		return
	}

	server := transmitter.NewServer(ch, tx, setup.peerIdle)
	server.Start()

	log.WithFields(log.Fields{
		"directory": setup.directory,
		"address":   ch.LocalAddr(),
		"discard":   tc.DiscardProbability,
	}).Info("Serving files, interrupt to stop")

	<-ctx.Done()
	log.Info("Shutting down..")

	return server.Close()
}
