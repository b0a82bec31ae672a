// Copyright 2023 The symphony-das Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package flags provides the standard flag set of symphony processes.
package flags // import "github.com/symphony-das/symphony/flags"

import (
	"flag"
	"fmt"
	"os"

	"github.com/symphony-das/symphony/config"
	"github.com/symphony-das/symphony/log"
)

// New parses the standard symphony command line. When -cfg names a
// file, the rig configuration is loaded from it and the remaining
// flags override it.
func New() config.Controller {
	var (
		cfg  config.Controller
		file string
		lvl  string
		rate float64
	)

	flag.StringVar(&file, "cfg", "", "path to rig configuration file")
	flag.StringVar(&cfg.Name, "name", "", "name of the controller")
	flag.StringVar(&lvl, "lvl", "INFO", "msgstream level")
	flag.Float64Var(&rate, "rate", 0, "sample rate (Hz)")
	flag.StringVar(&cfg.Monitor, "monitor", "", "PUB endpoint of the data tap (empty disables)")

	flag.Parse()

	if file != "" {
		var err error
		cfg, err = config.LoadFile(file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%+v\n", err)
			os.Exit(1)
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "name":
			cfg.Name = f.Value.String()
		case "rate":
			cfg.SampleRateHz = rate
		case "monitor":
			cfg.Monitor = f.Value.String()
		}
	})

	if cfg.Name == "" {
		fmt.Fprintf(os.Stderr, "missing controller name\n")
		flag.Usage()
		os.Exit(1)
	}
	if cfg.Hardware.Kind == "" {
		cfg.Hardware.Kind = "sim"
	}
	if cfg.SampleRateHz == 0 {
		cfg.SampleRateHz = 10_000
	}

	level, err := log.ParseLevel(lvl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
	cfg.Level = level

	return cfg
}
