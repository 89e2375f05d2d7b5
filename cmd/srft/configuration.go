// SPDX-FileCopyrightText: 2024 The srft Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"

	"github.com/dtn7/srft/pkg/receiver"
	"github.com/dtn7/srft/pkg/transmitter"
	"github.com/dtn7/srft/pkg/wire"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Logging     logConf
	Transmitter transmitterConf
	Receiver    receiverConf
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// transmitterConf describes the Transmitter-configuration block, used by "serve".
type transmitterConf struct {
	Listen             string
	Directory          string
	ChunkSize          int     `toml:"chunk-size"`
	DiscardProbability float64 `toml:"discard-probability"`
	DiscardSeed        int64   `toml:"discard-seed"`
	PeerIdle           string  `toml:"peer-idle"`
	SendAttempts       int     `toml:"send-attempts"`
}

// receiverConf describes the Receiver-configuration block, used by "fetch". Omitted
// ceilings are nil and fall back to their defaults.
type receiverConf struct {
	Server           string
	Listen           string
	Store            string
	Timeout          string
	ConnectRetries   *int `toml:"connect-retries"`
	RetransmitRounds *int `toml:"retransmit-rounds"`
	ChannelRetries   *int `toml:"channel-retries"`
	Compress         bool
}

// serveSetup is the parsed transmitterConf.
type serveSetup struct {
	listen    string
	directory string
	peerIdle  time.Duration
	conf      transmitter.Config
}

// fetchSetup is the parsed receiverConf.
type fetchSetup struct {
	server string
	listen string
	store  string
	conf   receiver.Config
}

// parseConfig reads a TOML configuration file and applies its logging block.
func parseConfig(filename string) (conf tomlConfig, err error) {
	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}

	setupLogging(conf.Logging)
	return
}

// setupLogging configures logrus' global logger.
func setupLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

// parseDuration of an optional field; an empty value results in zero.
func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}

	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %v", field, err)
	} else if dur < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return dur, nil
}

// parseCeiling of an optional retry field; an omitted value results in zero, which
// selects the default. Configured ceilings must be at least one.
func parseCeiling(field string, value *int) (int, error) {
	if value == nil {
		return 0, nil
	} else if *value < 1 {
		return 0, fmt.Errorf("%s must be at least 1, omit it for the default", field)
	}
	return *value, nil
}

// parse and validate the Transmitter-configuration. All problems are reported.
func (tc transmitterConf) parse() (setup serveSetup, err error) {
	if tc.Listen == "" {
		err = multierror.Append(err, fmt.Errorf("transmitter.listen is empty"))
	}
	if tc.Directory == "" {
		err = multierror.Append(err, fmt.Errorf("transmitter.directory is empty"))
	}
	if tc.ChunkSize < 0 || tc.ChunkSize > wire.MaxPayloadSize {
		err = multierror.Append(err, fmt.Errorf("transmitter.chunk-size must be within [1, %d]", wire.MaxPayloadSize))
	}
	if tc.SendAttempts < 0 {
		err = multierror.Append(err, fmt.Errorf("transmitter.send-attempts must not be negative"))
	}

	peerIdle, durErr := parseDuration("transmitter.peer-idle", tc.PeerIdle)
	if durErr != nil {
		err = multierror.Append(err, durErr)
	}

	seed := tc.DiscardSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	var discard transmitter.DiscardPolicy = transmitter.NoDiscard
	if tc.DiscardProbability != 0 {
		if rd, rdErr := transmitter.NewRandomDiscard(tc.DiscardProbability, seed); rdErr != nil {
			err = multierror.Append(err, fmt.Errorf("transmitter.discard-probability: %v", rdErr))
		} else {
			discard = rd
		}
	}

	if err != nil {
		return
	}

	setup = serveSetup{
		listen:    tc.Listen,
		directory: tc.Directory,
		peerIdle:  peerIdle,
		conf: transmitter.Config{
			ChunkSize:    tc.ChunkSize,
			Discard:      discard,
			SendAttempts: tc.SendAttempts,
		},
	}
	return
}

// parse and validate the Receiver-configuration. All problems are reported.
func (rc receiverConf) parse() (setup fetchSetup, err error) {
	if rc.Server == "" {
		err = multierror.Append(err, fmt.Errorf("receiver.server is empty"))
	}
	if rc.Store == "" {
		err = multierror.Append(err, fmt.Errorf("receiver.store is empty"))
	}

	ceilings := []struct {
		field string
		value *int
		dst   *int
	}{
		{"receiver.connect-retries", rc.ConnectRetries, &setup.conf.ConnectRetries},
		{"receiver.retransmit-rounds", rc.RetransmitRounds, &setup.conf.RetransmitRounds},
		{"receiver.channel-retries", rc.ChannelRetries, &setup.conf.ChannelRetries},
	}
	for _, c := range ceilings {
		if n, ceilErr := parseCeiling(c.field, c.value); ceilErr != nil {
			err = multierror.Append(err, ceilErr)
		} else {
			*c.dst = n
		}
	}

	timeout, durErr := parseDuration("receiver.timeout", rc.Timeout)
	if durErr != nil {
		err = multierror.Append(err, durErr)
	}

	if err != nil {
		setup = fetchSetup{}
		return
	}

	setup.server = rc.Server
	setup.listen = rc.Listen
	if setup.listen == "" {
		setup.listen = ":0"
	}
	setup.store = rc.Store
	setup.conf.Timeout = timeout
	setup.conf.Compress = rc.Compress
	return
}
