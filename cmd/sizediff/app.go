// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"
)

const (
	// ExitCodeSuccess is successful error code.
	ExitCodeSuccess int = iota

	// ExitCodeFlagParseError is the exit code for a flag parsing error.
	ExitCodeFlagParseError

	// ExitCodeUnknownError is the exit code for an unknown error.
	ExitCodeUnknownError
)

// ErrFlagParse is a flag parsing error.
var ErrFlagParse = errors.New("parsing flags")

// ErrSizediff is the base sentinel for sizediff CLI errors.
var ErrSizediff = errors.New("sizediff")

func init() {
	// See github.com/urfave/cli/issues/1809: without this, "sizediff
	// --help a.apk" is parsed as the (nonexistent) subcommand "a.apk"
	// instead of just showing help.
	cli.HelpFlag = &cli.BoolFlag{
		Name:               "d41d8cd98f00b204e980",
		DisableDefaultText: true,
	}
}

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func must[T any](val T, err error) T {
	if err != nil {
		panic(err)
	}
	return val
}

func newApp() *cli.App {
	return &cli.App{
		Name:  filepath.Base(os.Args[0]),
		Usage: "Compare the size of two versions of the same archive.",
		Description: strings.Join([]string{
			"sizediff compares two versions of the same APK, JAR, or zip",
			"archive member by member, breaking .dex files down by",
			"structural bucket and (with --so-a/--so-b) native shared",
			"objects down by source file.",
		}, "\n"),
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:               "verbose",
				Usage:              "print a breakdown table instead of +N/-N lines",
				Aliases:            []string{"v"},
				DisableDefaultText: true,
			},
			&cli.StringFlag{
				Name:  "so-a",
				Usage: "path to a zip of Breakpad .sym files for the old archive's native libraries",
			},
			&cli.StringFlag{
				Name:  "so-b",
				Usage: "path to a zip of Breakpad .sym files for the new archive's native libraries",
			},
			&cli.StringFlag{
				Name:  "so-name-rule",
				Usage: "old=new substring replacement applied to the archive path to derive its symbol zip path, e.g. .apk=.crashreporter-symbols.zip",
			},
			&cli.BoolFlag{
				Name:               "help",
				Usage:              "print this help text and exit",
				Aliases:            []string{"h"},
				DisableDefaultText: true,
			},
			&cli.BoolFlag{
				Name:               "version",
				Usage:              "print version information and exit",
				DisableDefaultText: true,
			},
			&cli.BoolFlag{
				Name:               "license",
				Usage:              "print license information and exit",
				DisableDefaultText: true,
			},
		},
		ArgsUsage:       "OLD NEW",
		Copyright:       "Google LLC",
		HideHelp:        true,
		HideHelpCommand: true,
		Action: func(c *cli.Context) error {
			if c.Bool("help") {
				check(cli.ShowAppHelp(c))
				return nil
			}
			if c.Bool("version") {
				return printVersion(c)
			}
			if c.Bool("license") {
				return printLicense(c)
			}

			args := c.Args().Slice()
			if len(args) != 2 {
				return fmt.Errorf("%w: expected OLD and NEW archive paths", ErrFlagParse)
			}

			d := diffCmd{
				aPath:      args[0],
				bPath:      args[1],
				verbose:    c.Bool("verbose"),
				soA:        c.String("so-a"),
				soB:        c.String("so-b"),
				soNameRule: c.String("so-name-rule"),
				out:        c.App.Writer,
			}
			return d.Run()
		},
		ExitErrHandler: func(c *cli.Context, err error) {
			if err == nil {
				return
			}
			_ = must(fmt.Fprintf(c.App.ErrWriter, "%s: %v\n", c.App.Name, err))
			if errors.Is(err, ErrFlagParse) {
				cli.OsExiter(ExitCodeFlagParseError)
				return
			}
			cli.OsExiter(ExitCodeUnknownError)
		},
	}
}

func main() {
	newApp().Run(os.Args)
}
