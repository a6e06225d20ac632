// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"flag"

	"github.com/sirupsen/logrus"

	"github.com/Oblong/waypositor/config"
)

var (
	configPath *string = flag.String(
		"config",
		"",
		"Path to the config file. Defaults to the xdg config location",
	)
	toolMode *bool = flag.Bool(
		"tool",
		false,
		"Start as a tool instead of a compositor",
	)
	devicePath *string = flag.String(
		"device",
		"",
		"DRM device to drive, overriding the config",
	)
	help *bool = flag.Bool(
		"help",
		false,
		"Show the help message",
	)
)

func main() {
	flag.Parse()

	conf, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatalln("Loading config failed")
	}
	if *devicePath != "" {
		conf.DevicePath = *devicePath
	}
	if level, err := logrus.ParseLevel(conf.LogLevel); err == nil {
		logrus.SetLevel(level)
	} else {
		logrus.WithField("log_level", conf.LogLevel).Warnln("Unknown log level, keeping default")
	}

	if *toolMode {
		utilMain(&conf)
		return
	}
	engineMain(&conf)
}
