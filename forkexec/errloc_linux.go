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

// errLocation pinpoints the step of the pre-exec window that failed.
// The child passes it to the parent next to the errno, stuffed into an
// int32 because the reporting pipe carries plain bytes.
type errLocation int32

const (
	locClosePipe errLocation = iota + 1
	locMovePipe
	locChdir
	locDupTemp
	locDupChild
	locPreserve
	locExec
)

var locStrings = []string{
	"unknown step failed",
	"closing the status pipe failed",
	"moving the status pipe failed",
	"changing directory failed",
	"duplicating a source descriptor to a temporary slot failed",
	"duplicating a descriptor onto its child slot failed",
	"preserving an inherited descriptor failed",
	"executing the program failed",
}

func (l errLocation) String() string {
	if l < 0 || int(l) >= len(locStrings) {
		return locStrings[0]
	}
	return locStrings[l]
}
