// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2026 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/jessevdk/go-flags"

	"github.com/snapcore/go-fdmap/fdmap"
	"github.com/snapcore/go-fdmap/forkexec"
	"github.com/snapcore/go-fdmap/logger"
)

var (
	Stdout io.Writer = os.Stdout
	Stderr io.Writer = os.Stderr
)

var opts struct {
	Maps     []string `long:"map" value-name:"PARENT:CHILD" description:"Expose descriptor PARENT of this process as descriptor CHILD of the command"`
	Preserve []int    `long:"preserve" value-name:"FD" description:"Keep descriptor FD open across the exec under its current number"`
	ListFds  bool     `long:"list-fds" description:"List the open descriptors of this process before spawning"`

	Positional struct {
		Command []string `positional-arg-name:"<command>"`
	} `positional-args:"yes"`
}

var parser = flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash|flags.PassAfterNonOption)

const (
	shortHelp = "Run a command with remapped file descriptors"
	longHelp  = `
fdmap-demo spawns a command with arbitrary file descriptors of this
process exposed under caller-chosen numbers, e.g.:

    fdmap-demo --map 0:5 -- ls -l /proc/self/fd

Without arguments it maps its own stdin to descriptor 5 of an
"ls -l /proc/self/fd" child, which makes the effect visible.
`
)

func init() {
	if err := logger.SimpleSetup(); err != nil {
		fmt.Fprintf(Stderr, "WARNING: failed to activate logging: %v\n", err)
	}
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseMapping(s string) (fdmap.Mapping, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return fdmap.Mapping{}, fmt.Errorf("cannot parse mapping %q: expected PARENT:CHILD", s)
	}
	parentFd, err := strconv.Atoi(parts[0])
	if err != nil {
		return fdmap.Mapping{}, fmt.Errorf("cannot parse mapping %q: %v", s, err)
	}
	childFd, err := strconv.Atoi(parts[1])
	if err != nil {
		return fdmap.Mapping{}, fmt.Errorf("cannot parse mapping %q: %v", s, err)
	}
	if parentFd < 0 || childFd < 0 {
		return fdmap.Mapping{}, fmt.Errorf("cannot parse mapping %q: descriptors must be non-negative", s)
	}
	return fdmap.Mapping{ParentFd: parentFd, ChildFd: childFd}, nil
}

func run(args []string) error {
	parser.ShortDescription = shortHelp
	parser.LongDescription = longHelp
	if _, err := parser.ParseArgs(args); err != nil {
		return err
	}

	if opts.ListFds {
		fds, err := fdmap.OpenFds()
		if err != nil {
			return err
		}
		for _, fd := range fds {
			fmt.Fprintln(Stdout, fd)
		}
	}

	mappings := make([]fdmap.Mapping, 0, len(opts.Maps))
	for _, s := range opts.Maps {
		m, err := parseMapping(s)
		if err != nil {
			return err
		}
		mappings = append(mappings, m)
	}

	command := opts.Positional.Command
	if len(command) == 0 && len(mappings) == 0 {
		// the classic demonstration
		mappings = []fdmap.Mapping{{ParentFd: 0, ChildFd: 5}}
		command = []string{"/bin/ls", "-l", "/proc/self/fd"}
	}
	if len(command) == 0 {
		return fmt.Errorf("cannot run: no command given")
	}

	runner := &forkexec.Runner{
		Path:        command[0],
		Args:        command,
		Mappings:    mappings,
		PreserveFds: opts.Preserve,
	}
	return runner.Run()
}
