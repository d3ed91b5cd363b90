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

// Package testutil provides gocheck checkers for tests that poke at
// file descriptor state.
package testutil

import (
	"fmt"
	"reflect"

	"golang.org/x/sys/unix"

	"gopkg.in/check.v1"
)

type containsChecker struct {
	*check.CheckerInfo
}

// Contains is a Checker that looks for an element in a slice.
var Contains check.Checker = &containsChecker{
	&check.CheckerInfo{Name: "Contains", Params: []string{"haystack", "needle"}},
}

func (c *containsChecker) Check(params []interface{}, names []string) (result bool, error string) {
	haystackV := reflect.ValueOf(params[0])
	switch haystackV.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < haystackV.Len(); i++ {
			if haystackV.Index(i).Interface() == params[1] {
				return true, ""
			}
		}
		return false, ""
	default:
		return false, fmt.Sprintf("haystack is of unsupported type %T", params[0])
	}
}

type fdStateChecker struct {
	*check.CheckerInfo
	open bool
}

// FdOpen is a Checker that verifies that the given file descriptor
// number refers to an open descriptor of this process.
var FdOpen check.Checker = &fdStateChecker{
	CheckerInfo: &check.CheckerInfo{Name: "FdOpen", Params: []string{"fd"}},
	open:        true,
}

// FdClosed is a Checker that verifies that the given file descriptor
// number does not refer to an open descriptor of this process.
var FdClosed check.Checker = &fdStateChecker{
	CheckerInfo: &check.CheckerInfo{Name: "FdClosed", Params: []string{"fd"}},
	open:        false,
}

func (c *fdStateChecker) Check(params []interface{}, names []string) (result bool, error string) {
	fd, ok := params[0].(int)
	if !ok {
		return false, "fd must be an int"
	}
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	switch err {
	case nil:
		return c.open, ""
	case unix.EBADF:
		return !c.open, ""
	default:
		return false, fmt.Sprintf("cannot inspect file descriptor %d: %v", fd, err)
	}
}

type cloexecChecker struct {
	*check.CheckerInfo
}

// FdCloseOnExec is a Checker that verifies that the given open file
// descriptor has its close-on-exec flag set.
var FdCloseOnExec check.Checker = &cloexecChecker{
	&check.CheckerInfo{Name: "FdCloseOnExec", Params: []string{"fd"}},
}

func (c *cloexecChecker) Check(params []interface{}, names []string) (result bool, error string) {
	fd, ok := params[0].(int)
	if !ok {
		return false, "fd must be an int"
	}
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return false, fmt.Sprintf("cannot inspect file descriptor %d: %v", fd, err)
	}
	return flags&unix.FD_CLOEXEC != 0, ""
}
