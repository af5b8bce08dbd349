// Copyright (C) The Scmeth Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmeth

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var version = "dev"

type handler interface {
	RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int
}

var commands = map[string]handler{
	"import":      &importer{},
	"stats":       &statscmd{},
	"train":       &traincmd{},
	"impute":      &imputecmd{},
	"mutagenesis": &mutagenesiscmd{},
	"version":     versionCmd{},
	"-version":    versionCmd{},
	"--version":   versionCmd{},
}

func Main() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		logrus.StandardLogger().Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	}
	os.Exit(runCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func runCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		usage(prog, stderr)
		return 2
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "%s: unrecognized command %q\n", prog, args[0])
		usage(prog, stderr)
		return 2
	}
	return cmd.RunCommand(prog+" "+args[0], args[1:], stdin, stdout, stderr)
}

func usage(prog string, stderr io.Writer) {
	var names []string
	for name := range commands {
		if name[0] != '-' {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	fmt.Fprintf(stderr, "usage: %s command [options]\n\ncommands:\n", prog)
	for _, name := range names {
		fmt.Fprintf(stderr, "  %s\n", name)
	}
}

type versionCmd struct{}

func (versionCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fmt.Fprintln(stdout, version)
	return 0
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
