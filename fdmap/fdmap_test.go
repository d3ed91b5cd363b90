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

package fdmap_test

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"

	. "gopkg.in/check.v1"

	"github.com/snapcore/go-fdmap/fdmap"
	"github.com/snapcore/go-fdmap/testutil"
)

func Test(t *testing.T) { TestingT(t) }

type fdmapSuite struct{}

var _ = Suite(&fdmapSuite{})

// newPipe returns the read and write descriptors of a fresh pipe,
// without close-on-exec so they behave like plainly inherited fds.
func newPipe(c *C) (rd, wr int) {
	var p [2]int
	c.Assert(unix.Pipe(p[:]), IsNil)
	return p[0], p[1]
}

func closeIgnoringEBADF(fds ...int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

func (s *fdmapSuite) TestValidateEmpty(c *C) {
	childFds, err := fdmap.Validate(nil)
	c.Assert(err, IsNil)
	c.Check(childFds, HasLen, 0)
}

func (s *fdmapSuite) TestValidateDistinct(c *C) {
	childFds, err := fdmap.Validate([]fdmap.Mapping{
		{ParentFd: 9, ChildFd: 4},
		{ParentFd: 7, ChildFd: 3},
		{ParentFd: 8, ChildFd: 5},
	})
	c.Assert(err, IsNil)
	c.Check(childFds, DeepEquals, []int{3, 4, 5})
}

func (s *fdmapSuite) TestValidateFanOut(c *C) {
	// the same parent descriptor may feed several child slots
	childFds, err := fdmap.Validate([]fdmap.Mapping{
		{ParentFd: 7, ChildFd: 3},
		{ParentFd: 7, ChildFd: 4},
	})
	c.Assert(err, IsNil)
	c.Check(childFds, DeepEquals, []int{3, 4})
}

func (s *fdmapSuite) TestValidateCollision(c *C) {
	_, err := fdmap.Validate([]fdmap.Mapping{
		{ParentFd: 7, ChildFd: 3},
		{ParentFd: 8, ChildFd: 3},
	})
	c.Check(err, Equals, fdmap.ErrChildFdCollision)

	// a repeated identical mapping still targets its slot twice
	_, err = fdmap.Validate([]fdmap.Mapping{
		{ParentFd: 7, ChildFd: 3},
		{ParentFd: 7, ChildFd: 3},
	})
	c.Check(err, Equals, fdmap.ErrChildFdCollision)
}

func (s *fdmapSuite) TestApplyEmpty(c *C) {
	before, err := fdmap.OpenFds()
	c.Assert(err, IsNil)
	c.Assert(fdmap.Apply(nil), IsNil)
	after, err := fdmap.OpenFds()
	c.Assert(err, IsNil)
	c.Check(after, DeepEquals, before)
}

func (s *fdmapSuite) TestApplyCollision(c *C) {
	err := fdmap.Apply([]fdmap.Mapping{
		{ParentFd: 7, ChildFd: 3},
		{ParentFd: 8, ChildFd: 3},
	})
	c.Check(err, Equals, fdmap.ErrChildFdCollision)
}

func (s *fdmapSuite) TestApplySwap(c *C) {
	aR, aW := newPipe(c)
	bR, bW := newPipe(c)
	defer closeIgnoringEBADF(aR, aW, bR, bW)

	before, err := fdmap.OpenFds()
	c.Assert(err, IsNil)

	err = fdmap.Apply([]fdmap.Mapping{
		{ParentFd: aR, ChildFd: bR},
		{ParentFd: bR, ChildFd: aR},
	})
	c.Assert(err, IsNil)

	// no temporaries are left behind
	after, err := fdmap.OpenFds()
	c.Assert(err, IsNil)
	c.Check(after, DeepEquals, before)

	// the read ends have traded numbers
	_, err = unix.Write(aW, []byte("a"))
	c.Assert(err, IsNil)
	_, err = unix.Write(bW, []byte("b"))
	c.Assert(err, IsNil)
	buf := make([]byte, 1)
	_, err = unix.Read(bR, buf)
	c.Assert(err, IsNil)
	c.Check(string(buf), Equals, "a")
	_, err = unix.Read(aR, buf)
	c.Assert(err, IsNil)
	c.Check(string(buf), Equals, "b")
}

func (s *fdmapSuite) TestApplyThreeCycle(c *C) {
	r1, w1 := newPipe(c)
	r2, w2 := newPipe(c)
	r3, w3 := newPipe(c)
	defer closeIgnoringEBADF(r1, w1, r2, w2, r3, w3)

	before, err := fdmap.OpenFds()
	c.Assert(err, IsNil)

	err = fdmap.Apply([]fdmap.Mapping{
		{ParentFd: r1, ChildFd: r2},
		{ParentFd: r2, ChildFd: r3},
		{ParentFd: r3, ChildFd: r1},
	})
	c.Assert(err, IsNil)

	after, err := fdmap.OpenFds()
	c.Assert(err, IsNil)
	c.Check(after, DeepEquals, before)

	// each pipe is now readable one slot around the cycle
	for _, t := range []struct {
		wr, rd int
		msg    string
	}{
		{w1, r2, "one"},
		{w2, r3, "two"},
		{w3, r1, "three"},
	} {
		_, err := unix.Write(t.wr, []byte(t.msg))
		c.Assert(err, IsNil)
		buf := make([]byte, len(t.msg))
		_, err = unix.Read(t.rd, buf)
		c.Assert(err, IsNil)
		c.Check(string(buf), Equals, t.msg)
	}
}

func (s *fdmapSuite) TestApplyFanOut(c *C) {
	aR, aW := newPipe(c)
	bR, bW := newPipe(c)
	defer closeIgnoringEBADF(aR, aW, bR, bW)

	err := fdmap.Apply([]fdmap.Mapping{
		{ParentFd: aR, ChildFd: bR},
		{ParentFd: aR, ChildFd: bW},
	})
	c.Assert(err, IsNil)

	// both destinations share the read end of the first pipe now, and
	// the original source is untouched
	_, err = unix.Write(aW, []byte("xy"))
	c.Assert(err, IsNil)
	buf := make([]byte, 1)
	_, err = unix.Read(bR, buf)
	c.Assert(err, IsNil)
	c.Check(string(buf), Equals, "x")
	_, err = unix.Read(bW, buf)
	c.Assert(err, IsNil)
	c.Check(string(buf), Equals, "y")

	c.Check(aR, testutil.FdOpen)
	_, err = unix.Write(aW, []byte("z"))
	c.Assert(err, IsNil)
	_, err = unix.Read(aR, buf)
	c.Assert(err, IsNil)
	c.Check(string(buf), Equals, "z")
}

func (s *fdmapSuite) TestApplySelfMapping(c *C) {
	// mapping a descriptor onto its own number goes through a
	// temporary and effectively just clears close-on-exec
	rd, wr := newPipe(c)
	defer closeIgnoringEBADF(rd, wr)
	_, err := unix.FcntlInt(uintptr(rd), unix.F_SETFD, unix.FD_CLOEXEC)
	c.Assert(err, IsNil)

	before, err := fdmap.OpenFds()
	c.Assert(err, IsNil)

	err = fdmap.Apply([]fdmap.Mapping{{ParentFd: rd, ChildFd: rd}})
	c.Assert(err, IsNil)

	after, err := fdmap.OpenFds()
	c.Assert(err, IsNil)
	c.Check(after, DeepEquals, before)
	c.Check(rd, Not(testutil.FdCloseOnExec))

	_, err = unix.Write(wr, []byte("p"))
	c.Assert(err, IsNil)
	buf := make([]byte, 1)
	_, err = unix.Read(rd, buf)
	c.Assert(err, IsNil)
	c.Check(string(buf), Equals, "p")
}

func (s *fdmapSuite) TestApplyClearsCloseOnExec(c *C) {
	rd, wr := newPipe(c)
	bR, bW := newPipe(c)
	defer closeIgnoringEBADF(rd, wr, bR, bW)

	err := fdmap.Apply([]fdmap.Mapping{{ParentFd: rd, ChildFd: bR}})
	c.Assert(err, IsNil)
	c.Check(bR, Not(testutil.FdCloseOnExec))
}

func (s *fdmapSuite) TestApplyBadSource(c *C) {
	bR, bW := newPipe(c)
	defer closeIgnoringEBADF(bR, bW)

	// a high descriptor number that is certainly closed
	bad, err := unix.FcntlInt(uintptr(bR), unix.F_DUPFD, 200)
	c.Assert(err, IsNil)
	c.Assert(unix.Close(bad), IsNil)

	err = fdmap.Apply([]fdmap.Mapping{{ParentFd: bad, ChildFd: bR}})
	c.Assert(err, NotNil)
	c.Check(errors.Is(err, unix.EBADF), Equals, true)
	c.Check(err, ErrorMatches, `cannot duplicate file descriptor [0-9]+ onto [0-9]+: .*`)
}

func (s *fdmapSuite) TestClearCloseOnExec(c *C) {
	rd, wr := newPipe(c)
	defer closeIgnoringEBADF(rd, wr)
	_, err := unix.FcntlInt(uintptr(rd), unix.F_SETFD, unix.FD_CLOEXEC)
	c.Assert(err, IsNil)
	c.Assert(rd, testutil.FdCloseOnExec)

	c.Assert(fdmap.ClearCloseOnExec(rd), IsNil)
	c.Check(rd, Not(testutil.FdCloseOnExec))

	// clearing an already clear flag is a no-op
	c.Assert(fdmap.ClearCloseOnExec(rd), IsNil)
	c.Check(rd, Not(testutil.FdCloseOnExec))
}

func (s *fdmapSuite) TestClearCloseOnExecBadFd(c *C) {
	rd, wr := newPipe(c)
	closeIgnoringEBADF(rd, wr)

	err := fdmap.ClearCloseOnExec(rd)
	c.Assert(err, NotNil)
	c.Check(errors.Is(err, unix.EBADF), Equals, true)
}

func (s *fdmapSuite) TestOpenFds(c *C) {
	fds, err := fdmap.OpenFds()
	c.Assert(err, IsNil)
	c.Check(fds, testutil.Contains, 0)
	c.Check(fds, testutil.Contains, 1)
	c.Check(fds, testutil.Contains, 2)

	rd, wr := newPipe(c)
	fds, err = fdmap.OpenFds()
	c.Assert(err, IsNil)
	c.Check(fds, testutil.Contains, rd)
	c.Check(fds, testutil.Contains, wr)

	closeIgnoringEBADF(rd, wr)
	fds, err = fdmap.OpenFds()
	c.Assert(err, IsNil)
	c.Check(fds, Not(testutil.Contains), rd)
	c.Check(fds, Not(testutil.Contains), wr)
}
