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

package forkexec

import (
	"gopkg.in/tomb.v2"
)

// StartBackground starts the child like Start and reaps it from a
// background goroutine, so the caller does not have to dedicate one to
// Wait. The mapping and preservation semantics are exactly those of
// Start; only the reaping side differs.
func (r *Runner) StartBackground() (*Process, error) {
	p, err := r.Start()
	if err != nil {
		return nil, err
	}
	p.reaper = &reaper{}
	p.reaper.tmb.Go(func() error {
		code, err := p.waitReap()
		p.exitCode = code
		return err
	})
	return p, nil
}

// reaper waits for the child under a tomb so that Wait can be called
// from any goroutine and always observes the single wait4 result.
type reaper struct {
	tmb tomb.Tomb
}

func (r *reaper) wait() error {
	return r.tmb.Wait()
}
