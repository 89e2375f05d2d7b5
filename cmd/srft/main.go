// SPDX-FileCopyrightText: 2024 The srft Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// srft transfers files over UDP with selective-repeat retransmissions.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
)

// printUsage of srft and exit with an error code afterwards.
func printUsage() {
	_, _ = fmt.Fprintf(os.Stderr, "Usage of %s serve|fetch:\n\n", os.Args[0])

	_, _ = fmt.Fprintf(os.Stderr, "%s serve configuration.toml\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Serves the files of the configured directory until interrupted.\n\n")

	_, _ = fmt.Fprintf(os.Stderr, "%s fetch configuration.toml name [name...]\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Fetches each named file from the configured server into the store.\n")
	_, _ = fmt.Fprintf(os.Stderr, "  Exits with an error code if any transfer failed.\n\n")

	os.Exit(1)
}

func main() {
	if len(os.Args) < 3 {
		printUsage()
	}

	conf, err := parseConfig(os.Args[2])
	if err != nil {
		log.WithError(err).Fatal("Failed to parse config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)

	switch os.Args[1] {
	case "serve":
		if len(os.Args) != 3 {
			printUsage()
		}
		err = serve(ctx, conf.Transmitter)

	case "fetch":
		if len(os.Args) < 4 {
			printUsage()
		}
		err = fetch(ctx, conf.Receiver, os.Args[3:])

	default:
		printUsage()
	}

	stop()

	if err != nil {
		log.WithError(err).Error("srft failed")
		os.Exit(1)
	}
}
