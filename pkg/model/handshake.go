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

package model

import (
	"fmt"
	"io"

	"github.com/socksguard/socksguard/pkg/constant"
)

// Credential stores a socks5 user password credential.
// The password is never printed by String().
type Credential struct {
	User     string
	Password string
}

func (c Credential) String() string {
	return fmt.Sprintf("Credential{user=%s}", c.User)
}

// Validate checks the RFC 1929 length constraints.
func (c Credential) Validate() error {
	if len(c.User) == 0 || len(c.User) > 255 {
		return fmt.Errorf("user length %d is out of range [1, 255]", len(c.User))
	}
	if len(c.Password) > 255 {
		return fmt.Errorf("password length %d is more than 255", len(c.Password))
	}
	return nil
}

// ReadGreeting reads the client greeting and returns the offered
// authentication methods.
func ReadGreeting(r io.Reader) ([]byte, error) {
	version := []byte{0}
	if _, err := io.ReadFull(r, version); err != nil {
		return nil, fmt.Errorf("get socks version failed: %w", err)
	}
	if version[0] != constant.Socks5Version {
		return nil, fmt.Errorf("unsupported socks version: %v", version[0])
	}

	nMethods := []byte{0}
	if _, err := io.ReadFull(r, nMethods); err != nil {
		return nil, fmt.Errorf("get number of authentication method failed: %w", err)
	}
	if nMethods[0] == 0 {
		return nil, fmt.Errorf("number of authentication method is 0")
	}

	methods := make([]byte, nMethods[0])
	if _, err := io.ReadFull(r, methods); err != nil {
		return nil, fmt.Errorf("get authentication method failed: %w", err)
	}
	return methods, nil
}

// WriteGreeting writes a client greeting with the given authentication methods.
func WriteGreeting(w io.Writer, methods []byte) error {
	if len(methods) == 0 || len(methods) > 255 {
		return fmt.Errorf("number of authentication method %d is out of range [1, 255]", len(methods))
	}
	b := make([]byte, 0, 2+len(methods))
	b = append(b, constant.Socks5Version, byte(len(methods)))
	b = append(b, methods...)
	_, err := w.Write(b)
	return err
}

// WriteMethodSelection writes the server method selection message.
// Method Socks5NoAcceptableAuth tells the client that no offered method
// is acceptable; the caller must close the connection afterwards.
func WriteMethodSelection(w io.Writer, method byte) error {
	_, err := w.Write([]byte{constant.Socks5Version, method})
	return err
}

// ReadMethodSelection reads the server method selection message.
func ReadMethodSelection(r io.Reader) (byte, error) {
	b := []byte{0, 0}
	if _, err := io.ReadFull(r, b); err != nil {
		return 0, fmt.Errorf("read method selection failed: %w", err)
	}
	if b[0] != constant.Socks5Version {
		return 0, fmt.Errorf("unsupported socks version: %v", b[0])
	}
	return b[1], nil
}

// ReadUserPass reads a RFC 1929 user password sub-negotiation request.
func ReadUserPass(r io.Reader) (Credential, error) {
	header := []byte{0}
	if _, err := io.ReadFull(r, header); err != nil {
		return Credential{}, fmt.Errorf("get user password authentication version failed: %w", err)
	}
	if header[0] != constant.Socks5UserPassAuthVersion {
		return Credential{}, fmt.Errorf("user password authentication version %d is not supported", header[0])
	}

	if _, err := io.ReadFull(r, header); err != nil {
		return Credential{}, fmt.Errorf("get user length failed: %w", err)
	}
	if header[0] == 0 {
		return Credential{}, fmt.Errorf("user length is 0")
	}
	user := make([]byte, header[0])
	if _, err := io.ReadFull(r, user); err != nil {
		return Credential{}, fmt.Errorf("read user failed: %w", err)
	}

	if _, err := io.ReadFull(r, header); err != nil {
		return Credential{}, fmt.Errorf("get password length failed: %w", err)
	}
	password := make([]byte, header[0])
	if _, err := io.ReadFull(r, password); err != nil {
		return Credential{}, fmt.Errorf("read password failed: %w", err)
	}

	return Credential{User: string(user), Password: string(password)}, nil
}

// WriteUserPass writes a RFC 1929 user password sub-negotiation request.
func WriteUserPass(w io.Writer, c Credential) error {
	if err := c.Validate(); err != nil {
		return err
	}
	b := make([]byte, 0, 3+len(c.User)+len(c.Password))
	b = append(b, constant.Socks5UserPassAuthVersion)
	b = append(b, byte(len(c.User)))
	b = append(b, []byte(c.User)...)
	b = append(b, byte(len(c.Password)))
	b = append(b, []byte(c.Password)...)
	_, err := w.Write(b)
	return err
}

// WriteUserPassReply writes the user password sub-negotiation response.
func WriteUserPassReply(w io.Writer, ok bool) error {
	status := constant.Socks5AuthFailure
	if ok {
		status = constant.Socks5AuthSuccess
	}
	_, err := w.Write([]byte{constant.Socks5UserPassAuthVersion, status})
	return err
}

// ReadUserPassReply reads the user password sub-negotiation response.
func ReadUserPassReply(r io.Reader) (bool, error) {
	b := []byte{0, 0}
	if _, err := io.ReadFull(r, b); err != nil {
		return false, fmt.Errorf("read user password authentication response failed: %w", err)
	}
	if b[0] != constant.Socks5UserPassAuthVersion {
		return false, fmt.Errorf("unexpected user password authentication version: %v", b[0])
	}
	return b[1] == constant.Socks5AuthSuccess, nil
}
