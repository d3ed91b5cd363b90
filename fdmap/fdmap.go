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

// Package fdmap duplicates arbitrary open file descriptors onto
// caller-chosen descriptor numbers, so that a child process can be
// handed pipes, sockets or opened files at specific, predetermined
// slots rather than the fixed stdin/stdout/stderr set.
//
// Validate runs in the parent, before any process is created, and
// rejects a mapping set with two mappings for the same child slot.
// Apply performs the actual duplications and is meant to run in the
// narrow window between process duplication and program replacement,
// or in an already re-exec'd child that rearranges its own table
// before replacing its program image. The forkexec package of this
// module provides such a window and runs the equivalent of Apply
// inside it.
package fdmap

import (
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sys/unix"
)

// A Mapping asks for the resource open at ParentFd to become available
// at ChildFd once the mapping set is applied.
//
// ParentFd must refer to an open descriptor and must be kept open by
// the caller until the mapping has been applied. ChildFd may already
// be open; applying the mapping closes it first. The same ParentFd may
// appear in several mappings to expose one resource under several
// child slots.
type Mapping struct {
	ParentFd int
	ChildFd  int
}

var (
	// ErrChildFdCollision is returned when two or more mappings target
	// the same child file descriptor.
	ErrChildFdCollision = errors.New("two or more mappings for the same child file descriptor")

	// ErrPreserveConflict is returned when a descriptor that was asked
	// to be preserved as-is is also the destination of a mapping.
	ErrPreserveConflict = errors.New("preserved file descriptor is also a mapping destination")
)

// Validate checks that no two mappings target the same child file
// descriptor and returns the distinct child descriptors in ascending
// order. Repeated ParentFd values are fine, only ChildFd values must
// be pairwise distinct.
//
// Validation is cheap and performs no system calls, so callers can
// reject a bad mapping set before any process has been created.
func Validate(mappings []Mapping) ([]int, error) {
	childFds := make([]int, 0, len(mappings))
	for _, m := range mappings {
		childFds = append(childFds, m.ChildFd)
	}
	sort.Ints(childFds)
	for i := 1; i < len(childFds); i++ {
		if childFds[i] == childFds[i-1] {
			return nil, ErrChildFdCollision
		}
	}
	return childFds, nil
}

// Apply rewires the descriptor table of the calling process so that,
// for every mapping, ChildFd refers to the resource that ParentFd
// referred to when Apply was called. ParentFd descriptors are left
// open and unaffected, already-open ChildFd descriptors are silently
// closed, and the resulting ChildFd descriptors have their
// close-on-exec flag cleared so they survive program replacement.
//
// A mapping whose ParentFd is itself the ChildFd of some mapping (a
// swap, or a longer permutation cycle) is first moved out of the way
// to a temporary close-on-exec descriptor above every descriptor
// mentioned by the set; all such moves complete before any child slot
// is written. The temporaries are closed again before Apply returns.
// They are allocated at the lowest free numbers above the set, so they
// can still collide with unrelated descriptors the process has open —
// callers on unusual descriptor layouts should keep that in mind.
//
// The first failing system call aborts Apply with the OS error; no
// attempt is made to undo duplications already performed.
func Apply(mappings []Mapping) error {
	if _, err := Validate(mappings); err != nil {
		return err
	}
	if len(mappings) == 0 {
		return nil
	}

	// The first descriptor number above everything the request
	// mentions; temporaries live at or above it.
	firstSafe := 0
	childFds := make(map[int]bool, len(mappings))
	for _, m := range mappings {
		if m.ParentFd >= firstSafe {
			firstSafe = m.ParentFd + 1
		}
		if m.ChildFd >= firstSafe {
			firstSafe = m.ChildFd + 1
		}
		childFds[m.ChildFd] = true
	}

	resolved := make([]Mapping, len(mappings))
	copy(resolved, mappings)
	var temporaries []int
	for i := range resolved {
		if !childFds[resolved[i].ParentFd] {
			continue
		}
		// F_DUPFD_CLOEXEC duplicates and sets close-on-exec in one
		// step, so a concurrent fork elsewhere cannot inherit the
		// temporary copy.
		tmp, err := unix.FcntlInt(uintptr(resolved[i].ParentFd), unix.F_DUPFD_CLOEXEC, firstSafe)
		if err != nil {
			return fmt.Errorf("cannot duplicate file descriptor %d: %w", resolved[i].ParentFd, err)
		}
		resolved[i].ParentFd = tmp
		temporaries = append(temporaries, tmp)
	}

	// After the substitutions above a source can never equal its
	// destination, which dup3 would reject.
	for _, m := range resolved {
		// dup3 closes an already-open ChildFd first and leaves the
		// copy without the close-on-exec flag.
		if err := unix.Dup3(m.ParentFd, m.ChildFd, 0); err != nil {
			return fmt.Errorf("cannot duplicate file descriptor %d onto %d: %w", m.ParentFd, m.ChildFd, err)
		}
	}

	for _, tmp := range temporaries {
		unix.Close(tmp)
	}
	return nil
}

// ClearCloseOnExec marks fd as inheritable across program replacement
// without renumbering it. Clearing the flag on a descriptor that is
// already inheritable is a no-op.
func ClearCloseOnExec(fd int) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return fmt.Errorf("cannot read flags of file descriptor %d: %w", fd, err)
	}
	if flags&unix.FD_CLOEXEC == 0 {
		return nil
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags&^unix.FD_CLOEXEC); err != nil {
		return fmt.Errorf("cannot clear close-on-exec flag of file descriptor %d: %w", fd, err)
	}
	return nil
}
