// Copyright 2024 Andrew Bates
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"

	"github.com/abates/cli"

	"github.com/abates/insteond"
	"github.com/abates/insteond/config"
)

var (
	app = cli.New(os.Args[0], cli.CallbackOption(cli.Callback(setup)))

	configFlag     string
	serialPortFlag string
	logLevelFlag   insteon.LogLevel
	logLevelSet    bool

	cfg *config.Config
)

// levelFlag records that -log was given so it can override the file
type levelFlag struct{}

func (levelFlag) String() string { return logLevelFlag.String() }

func (levelFlag) Set(str string) error {
	logLevelSet = true
	return logLevelFlag.Set(str)
}

// stringArg is a positional argument
type stringArg string

func (sa *stringArg) String() string { return string(*sa) }

func (sa *stringArg) Set(str string) error {
	*sa = stringArg(str)
	return nil
}

func init() {
	app.SetOutput(os.Stderr)
	app.Flags.StringVar(&configFlag, "config", config.DefaultPath(), "configuration file")
	app.Flags.StringVar(&serialPortFlag, "port", "", "serial port connected to a PLM (overrides the configuration file)")
	app.Flags.Var(levelFlag{}, "log", "Log Level {none|warn|info|debug|trace}")
}

// setup loads the configuration before any sub command runs
func setup() (err error) {
	// a missing default file means "run with the defaults"
	if _, statErr := os.Stat(configFlag); os.IsNotExist(statErr) && configFlag == config.DefaultPath() {
		cfg, err = config.Parse(nil)
	} else {
		cfg, err = config.Load(configFlag)
	}
	if err != nil {
		return err
	}

	if serialPortFlag != "" {
		cfg.Modem.Port = serialPortFlag
	}

	level, err := insteon.ParseLogLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	if logLevelSet {
		level = logLevelFlag
	}
	insteon.Log.Level(level)
	return insteon.Log.SetFormat(cfg.Log.Format)
}

func main() {
	_, err := app.Run(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
