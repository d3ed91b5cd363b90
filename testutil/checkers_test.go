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

package testutil_test

import (
	"testing"

	"golang.org/x/sys/unix"

	. "gopkg.in/check.v1"

	"github.com/snapcore/go-fdmap/testutil"
)

func Test(t *testing.T) { TestingT(t) }

type checkersSuite struct{}

var _ = Suite(&checkersSuite{})

func (s *checkersSuite) TestContains(c *C) {
	c.Check([]int{1, 2, 3}, testutil.Contains, 2)
	c.Check([]int{1, 2, 3}, Not(testutil.Contains), 4)
	c.Check([]string{"a", "b"}, testutil.Contains, "b")

	res, errMsg := testutil.Contains.Check([]interface{}{42, 42}, nil)
	c.Check(res, Equals, false)
	c.Check(errMsg, Matches, "haystack is of unsupported type .*")
}

func (s *checkersSuite) TestFdOpenAndClosed(c *C) {
	var p [2]int
	c.Assert(unix.Pipe(p[:]), IsNil)

	c.Check(p[0], testutil.FdOpen)
	c.Check(p[1], testutil.FdOpen)

	c.Assert(unix.Close(p[0]), IsNil)
	c.Check(p[0], testutil.FdClosed)
	c.Check(p[1], testutil.FdOpen)

	c.Assert(unix.Close(p[1]), IsNil)
	c.Check(p[1], testutil.FdClosed)
}

func (s *checkersSuite) TestFdCloseOnExec(c *C) {
	var p [2]int
	c.Assert(unix.Pipe(p[:]), IsNil)
	defer unix.Close(p[0])
	defer unix.Close(p[1])

	c.Check(p[0], Not(testutil.FdCloseOnExec))

	_, err := unix.FcntlInt(uintptr(p[0]), unix.F_SETFD, unix.FD_CLOEXEC)
	c.Assert(err, IsNil)
	c.Check(p[0], testutil.FdCloseOnExec)
	c.Check(p[1], Not(testutil.FdCloseOnExec))
}

func (s *checkersSuite) TestBadArguments(c *C) {
	res, errMsg := testutil.FdOpen.Check([]interface{}{"nope"}, nil)
	c.Check(res, Equals, false)
	c.Check(errMsg, Equals, "fd must be an int")

	res, errMsg = testutil.FdCloseOnExec.Check([]interface{}{"nope"}, nil)
	c.Check(res, Equals, false)
	c.Check(errMsg, Equals, "fd must be an int")
}
