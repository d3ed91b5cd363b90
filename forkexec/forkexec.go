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

//go:build linux

// Package forkexec starts child processes with arbitrary file
// descriptor mappings applied in the narrow window between process
// duplication and program replacement.
//
// os/exec offers no hook in that window, so the package forks on its
// own. The mapping set is validated and compiled into a flat plan in
// the parent, where allocation is still safe; the forked child then
// runs the plan with raw system calls only and finally calls execve.
// A failure at any step is reported back over a close-on-exec pipe
// and surfaces from Start as an ordinary error, the same way a failed
// exec does.
package forkexec

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/snapcore/go-fdmap/fdmap"
	"github.com/snapcore/go-fdmap/logger"
)

// Runner describes a single attempt to start a child process with
// remapped file descriptors. A Runner is not reusable: build a fresh
// one for every spawn attempt.
type Runner struct {
	// Path is the program to execute. It is not looked up in $PATH.
	Path string

	// Args is the argument vector, including the program name as
	// Args[0]. When empty, {Path} is used.
	Args []string

	// Env is the environment in "key=value" form; nil means the
	// child inherits the environment of the parent.
	Env []string

	// Dir, when set, becomes the working directory of the child.
	Dir string

	// Mappings are applied between fork and exec so that each
	// ChildFd slot of the child refers to the resource the
	// corresponding ParentFd refers to in the parent. Descriptors
	// 0, 1 and 2 are inherited as usual unless remapped. Every
	// ParentFd must stay open in the parent until Start returns.
	Mappings []fdmap.Mapping

	// PreserveFds are kept open across the exec under their current
	// numbers by clearing their close-on-exec flag in the child.
	// Ownership transfers to the spawn attempt: the caller must keep
	// them open until Start has returned and must not also use their
	// numbers as mapping destinations.
	PreserveFds []int
}

// Start validates the mapping set and spawns the child.
//
// A malformed request surfaces before any process is created, as
// fdmap.ErrChildFdCollision or fdmap.ErrPreserveConflict. A failure
// inside the pre-exec window surfaces as an error wrapping the
// syscall.Errno reported by the child, and the child is reaped before
// Start returns.
func (r *Runner) Start() (*Process, error) {
	childFds, err := fdmap.Validate(r.Mappings)
	if err != nil {
		return nil, err
	}
	for _, pfd := range r.PreserveFds {
		for _, cfd := range childFds {
			if pfd == cfd {
				return nil, fdmap.ErrPreserveConflict
			}
		}
	}
	if r.Path == "" {
		return nil, fmt.Errorf("cannot start process: path not set")
	}

	argv0, argv, envv, err := r.execArgs()
	if err != nil {
		return nil, err
	}
	var dir *byte
	if r.Dir != "" {
		if dir, err = syscall.BytePtrFromString(r.Dir); err != nil {
			return nil, err
		}
	}
	pl := compilePlan(r.Mappings, r.PreserveFds)

	logger.Debugf("starting %q with %d descriptor mappings and %d preserved descriptors",
		r.Path, len(r.Mappings), len(r.PreserveFds))

	pid, err := startProcess(r.Path, pl, argv0, argv, envv, dir)
	if err != nil {
		return nil, err
	}
	return &Process{Pid: pid, name: r.Path}, nil
}

// Run starts the child and waits for it, returning an error for a
// non-zero exit.
func (r *Runner) Run() error {
	p, err := r.Start()
	if err != nil {
		return err
	}
	code, err := p.Wait()
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%q exited with status %d", r.Path, code)
	}
	return nil
}

func (r *Runner) execArgs() (argv0 *byte, argv, envv []*byte, err error) {
	argv0, err = syscall.BytePtrFromString(r.Path)
	if err != nil {
		return nil, nil, nil, err
	}
	args := r.Args
	if len(args) == 0 {
		args = []string{r.Path}
	}
	argv, err = syscall.SlicePtrFromStrings(args)
	if err != nil {
		return nil, nil, nil, err
	}
	env := r.Env
	if env == nil {
		env = os.Environ()
	}
	envv, err = syscall.SlicePtrFromStrings(env)
	if err != nil {
		return nil, nil, nil, err
	}
	return argv0, argv, envv, nil
}

// plan is the precompiled form of one mapping set: everything the
// child needs, allocated in the parent so that the post-fork code
// allocates nothing. The child rewrites sources in its copy of the
// address space when it substitutes a temporary descriptor.
type plan struct {
	sources  []int
	dests    []int
	needsTmp []bool
	floor    int
	preserve []int
}

func compilePlan(mappings []fdmap.Mapping, preserve []int) *plan {
	pl := &plan{
		sources:  make([]int, len(mappings)),
		dests:    make([]int, len(mappings)),
		needsTmp: make([]bool, len(mappings)),
		preserve: preserve,
	}
	childFds := make(map[int]bool, len(mappings))
	for _, m := range mappings {
		childFds[m.ChildFd] = true
	}
	for i, m := range mappings {
		pl.sources[i] = m.ParentFd
		pl.dests[i] = m.ChildFd
		// a source that doubles as some mapping's destination must
		// move out of the way before any destination is written
		pl.needsTmp[i] = childFds[m.ParentFd]
		if m.ParentFd >= pl.floor {
			pl.floor = m.ParentFd + 1
		}
		if m.ChildFd >= pl.floor {
			pl.floor = m.ChildFd + 1
		}
	}
	return pl
}

// Process is a child started by a Runner.
type Process struct {
	Pid int

	name     string
	reaper   *reaper
	exitCode int
}

// Wait blocks until the child exits and returns its exit status.
// Termination by signal is reported as an error.
func (p *Process) Wait() (int, error) {
	if p.reaper != nil {
		err := p.reaper.wait()
		return p.exitCode, err
	}
	return p.waitReap()
}

// Kill forcibly terminates the child. The outcome is still reported
// through Wait.
func (p *Process) Kill() error {
	return syscall.Kill(p.Pid, syscall.SIGKILL)
}

func (p *Process) waitReap() (int, error) {
	var ws syscall.WaitStatus
	for {
		if _, err := syscall.Wait4(p.Pid, &ws, 0, nil); err == syscall.EINTR {
			continue
		} else if err != nil {
			return -1, fmt.Errorf("cannot wait for %q: %w", p.name, err)
		}
		break
	}
	if ws.Signaled() {
		return -1, fmt.Errorf("%q was killed by signal %s", p.name, unix.SignalName(ws.Signal()))
	}
	return ws.ExitStatus(), nil
}
