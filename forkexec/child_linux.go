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

package forkexec

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

//go:linkname beforeFork syscall.runtime_BeforeFork
func beforeFork()

//go:linkname afterFork syscall.runtime_AfterFork
func afterFork()

//go:linkname afterForkInChild syscall.runtime_AfterForkInChild
func afterForkInChild()

// startProcess forks, lets the child run the descriptor plan and exec
// the program, and collects the child's verdict from the status pipe.
func startProcess(name string, pl *plan, argv0 *byte, argv, envv []*byte, dir *byte) (int, error) {
	var p [2]int

	// The fork lock keeps other goroutines from creating descriptors
	// without close-on-exec while the fork is in flight.
	syscall.ForkLock.Lock()
	if err := syscall.Pipe2(p[:], syscall.O_CLOEXEC); err != nil {
		syscall.ForkLock.Unlock()
		return -1, fmt.Errorf("cannot create status pipe: %w", err)
	}
	r1, errno := forkAndApplyInChild(pl, argv0, argv, envv, dir, p)
	syscall.ForkLock.Unlock()
	if errno != 0 {
		syscall.Close(p[0])
		syscall.Close(p[1])
		return -1, fmt.Errorf("cannot start %q: fork failed: %w", name, errno)
	}
	pid := int(r1)
	syscall.Close(p[1])

	// The child reports (step, errno) over the pipe if anything in the
	// pre-exec window fails; a clean close means the exec went through.
	var st [2]int32
	buf := (*[8]byte)(unsafe.Pointer(&st))[:]
	var n int
	var err error
	for {
		n, err = syscall.Read(p[0], buf)
		if err != syscall.EINTR {
			break
		}
	}
	syscall.Close(p[0])
	if err == nil && n == 0 {
		return pid, nil
	}

	// The child will not exec; reap it so it does not linger.
	var ws syscall.WaitStatus
	for {
		if _, werr := syscall.Wait4(pid, &ws, 0, nil); werr != syscall.EINTR {
			break
		}
	}
	if err != nil {
		return -1, fmt.Errorf("cannot read child status of %q: %w", name, err)
	}
	if n < len(buf) {
		return -1, fmt.Errorf("cannot start %q: truncated child status", name)
	}
	return -1, fmt.Errorf("cannot start %q: %s: %w", name, errLocation(st[0]), syscall.Errno(st[1]))
}

// forkAndApplyInChild forks and, in the child, applies the descriptor
// plan before executing the program. The child may use raw system
// calls only: the copied address space holds whatever locks the
// vanished sibling threads held at fork time, so any allocation or
// ordinary runtime call could deadlock there.
//
//go:norace
func forkAndApplyInChild(pl *plan, argv0 *byte, argv, envv []*byte, dir *byte, p [2]int) (r1 uintptr, err1 syscall.Errno) {
	var (
		pipe  = p[1]
		loc   errLocation
		tmp   uintptr
		flags uintptr
		st    [2]int32
		i     int
	)

	// No more allocation or non-trivial calls from here to the exec.
	beforeFork()
	r1, _, err1 = syscall.RawSyscall6(syscall.SYS_CLONE, uintptr(syscall.SIGCHLD), 0, 0, 0, 0, 0)
	if err1 != 0 || r1 != 0 {
		// in the parent
		afterFork()
		return
	}

	// In the child. Only the forking thread survived into this copy.
	afterForkInChild()

	if _, _, err1 = syscall.RawSyscall(syscall.SYS_CLOSE, uintptr(p[0]), 0, 0); err1 != 0 {
		loc = locClosePipe
		goto childerror
	}

	// The status pipe must stay clear of the requested slots, which
	// all sit below the floor.
	if pipe < pl.floor {
		tmp, _, err1 = syscall.RawSyscall(syscall.SYS_FCNTL, uintptr(pipe), unix.F_DUPFD_CLOEXEC, uintptr(pl.floor))
		if err1 != 0 {
			loc = locMovePipe
			goto childerror
		}
		pipe = int(tmp)
	}

	if dir != nil {
		_, _, err1 = syscall.RawSyscall(syscall.SYS_CHDIR, uintptr(unsafe.Pointer(dir)), 0, 0)
		if err1 != 0 {
			loc = locChdir
			goto childerror
		}
	}

	// Phase one: sources that double as destinations move out of the
	// way to close-on-exec temporaries at or above the floor. Every
	// move completes before any destination is written, which is what
	// makes swaps and longer permutation cycles safe.
	for i = 0; i < len(pl.sources); i++ {
		if !pl.needsTmp[i] {
			continue
		}
		tmp, _, err1 = syscall.RawSyscall(syscall.SYS_FCNTL, uintptr(pl.sources[i]), unix.F_DUPFD_CLOEXEC, uintptr(pl.floor))
		if err1 != 0 {
			loc = locDupTemp
			goto childerror
		}
		pl.sources[i] = int(tmp)
	}

	// Phase two: every child slot gets its resource. dup3 closes an
	// already-open destination first and leaves the copy without the
	// close-on-exec flag, so it survives the exec. After phase one a
	// source can never equal its destination, which dup3 rejects.
	for i = 0; i < len(pl.dests); i++ {
		_, _, err1 = syscall.RawSyscall(unix.SYS_DUP3, uintptr(pl.sources[i]), uintptr(pl.dests[i]), 0)
		if err1 != 0 {
			loc = locDupChild
			goto childerror
		}
	}

	// Preserved descriptors keep their numbers and only lose the
	// close-on-exec flag. The temporaries keep the flag and vanish
	// with the exec.
	for i = 0; i < len(pl.preserve); i++ {
		flags, _, err1 = syscall.RawSyscall(syscall.SYS_FCNTL, uintptr(pl.preserve[i]), syscall.F_GETFD, 0)
		if err1 != 0 {
			loc = locPreserve
			goto childerror
		}
		_, _, err1 = syscall.RawSyscall(syscall.SYS_FCNTL, uintptr(pl.preserve[i]), syscall.F_SETFD, flags&^uintptr(syscall.FD_CLOEXEC))
		if err1 != 0 {
			loc = locPreserve
			goto childerror
		}
	}

	_, _, err1 = syscall.RawSyscall(syscall.SYS_EXECVE,
		uintptr(unsafe.Pointer(argv0)),
		uintptr(unsafe.Pointer(&argv[0])),
		uintptr(unsafe.Pointer(&envv[0])))
	loc = locExec

childerror:
	st[0] = int32(loc)
	st[1] = int32(err1)
	syscall.RawSyscall(syscall.SYS_WRITE, uintptr(pipe), uintptr(unsafe.Pointer(&st[0])), unsafe.Sizeof(st))
	for {
		syscall.RawSyscall(syscall.SYS_EXIT, 253, 0, 0)
	}
}
