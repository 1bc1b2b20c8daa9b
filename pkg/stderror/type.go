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

import "github.com/socksguard/socksguard/pkg/constant"

// ErrorType provides a marker of runtime error.
type ErrorType uint8

const (
	NO_ERROR ErrorType = iota
	UNKNOWN_ERROR
	PROTOCOL_ERROR
	AUTH_ERROR
	POLICY_ERROR
	UPSTREAM_ERROR
	NETWORK_ERROR
	RESOURCE_ERROR
	INTERNAL_ERROR
)

func (t ErrorType) String() string {
	switch t {
	case NO_ERROR:
		return "NO_ERROR"
	case PROTOCOL_ERROR:
		return "PROTOCOL_ERROR"
	case AUTH_ERROR:
		return "AUTH_ERROR"
	case POLICY_ERROR:
		return "POLICY_ERROR"
	case UPSTREAM_ERROR:
		return "UPSTREAM_ERROR"
	case NETWORK_ERROR:
		return "NETWORK_ERROR"
	case RESOURCE_ERROR:
		return "RESOURCE_ERROR"
	case INTERNAL_ERROR:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN_ERROR"
	}
}

// TypedError annotates an error with a type.
type TypedError struct {
	err     error
	errType ErrorType
}

var _ error = TypedError{}

func (e TypedError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return ""
}

func (e TypedError) Unwrap() error {
	return e.err
}

// WrapErrorWithType creates a new TypedError object
// from an error and annotate it with a type.
func WrapErrorWithType(err error, t ErrorType) TypedError {
	return TypedError{
		err:     err,
		errType: t,
	}
}

// GetErrorType returns the type associated with an error.
func GetErrorType(err error) ErrorType {
	if err == nil {
		return NO_ERROR
	}
	if typedError, ok := err.(TypedError); ok {
		return typedError.errType
	}
	return UNKNOWN_ERROR
}

// ReplyCode returns the socks5 reply value that best describes the error.
func ReplyCode(err error) byte {
	switch GetErrorType(err) {
	case NO_ERROR:
		return constant.Socks5ReplySuccess
	case PROTOCOL_ERROR:
		return constant.Socks5ReplyServerFailure
	case POLICY_ERROR:
		return constant.Socks5ReplyNotAllowedByRuleSet
	case UPSTREAM_ERROR:
		return constant.Socks5ReplyServerFailure
	case NETWORK_ERROR:
		if IsConnRefused(err) {
			return constant.Socks5ReplyConnectionRefused
		}
		if IsNetUnreachable(err) {
			return constant.Socks5ReplyNetworkUnreachable
		}
		return constant.Socks5ReplyHostUnreachable
	default:
		return constant.Socks5ReplyServerFailure
	}
}
