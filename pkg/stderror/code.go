// Copyright (C) 2025  socksguard authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package stderror

import (
	"fmt"
)

var (
	ErrAlreadyExist     = fmt.Errorf("ALREADY EXIST")
	ErrBanned           = fmt.Errorf("BANNED")
	ErrDisconnected     = fmt.Errorf("DISCONNECTED")
	ErrEmpty            = fmt.Errorf("EMPTY")
	ErrFull             = fmt.Errorf("FULL")
	ErrInUse            = fmt.Errorf("IN USE")
	ErrInternal         = fmt.Errorf("INTERNAL")
	ErrInvalidArgument  = fmt.Errorf("INVALID ARGUMENT")
	ErrInvalidOperation = fmt.Errorf("INVALID OPERATION")
	ErrNoEnoughData     = fmt.Errorf("NO ENOUGH DATA")
	ErrNotFound         = fmt.Errorf("NOT FOUND")
	ErrNotReady         = fmt.Errorf("NOT READY")
	ErrNotRunning       = fmt.Errorf("NOT RUNNING")
	ErrOutOfRange       = fmt.Errorf("OUT OF RANGE")
	ErrRateLimited      = fmt.Errorf("RATE LIMITED")
	ErrTimeout          = fmt.Errorf("TIMEOUT")
	ErrUnsupported      = fmt.Errorf("UNSUPPORTED")
)
