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
	"bytes"
	"strings"
	"testing"

	"github.com/socksguard/socksguard/pkg/constant"
)

func TestGreetingRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := []byte{constant.Socks5NoAuth, constant.Socks5UserPassAuth}
	if err := WriteGreeting(&buf, want); err != nil {
		t.Fatalf("WriteGreeting() failed: %v", err)
	}
	got, err := ReadGreeting(&buf)
	if err != nil {
		t.Fatalf("ReadGreeting() failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("got methods %v, want %v", got, want)
	}
}

func TestReadGreetingInvalid(t *testing.T) {
	testCases := [][]byte{
		{4, 1, 0},                      // wrong version
		{constant.Socks5Version, 0},    // zero methods
		{constant.Socks5Version, 2, 0}, // method count mismatch
	}
	for _, tc := range testCases {
		if _, err := ReadGreeting(bytes.NewBuffer(tc)); err == nil {
			t.Errorf("ReadGreeting(%v) returned no error", tc)
		}
	}
}

func TestMethodSelectionRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMethodSelection(&buf, constant.Socks5UserPassAuth); err != nil {
		t.Fatalf("WriteMethodSelection() failed: %v", err)
	}
	method, err := ReadMethodSelection(&buf)
	if err != nil {
		t.Fatalf("ReadMethodSelection() failed: %v", err)
	}
	if method != constant.Socks5UserPassAuth {
		t.Errorf("got method %v, want %v", method, constant.Socks5UserPassAuth)
	}
}

func TestUserPassRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := Credential{User: "testuser", Password: "testpass"}
	if err := WriteUserPass(&buf, want); err != nil {
		t.Fatalf("WriteUserPass() failed: %v", err)
	}
	wire := []byte{
		constant.Socks5UserPassAuthVersion,
		8, 't', 'e', 's', 't', 'u', 's', 'e', 'r',
		8, 't', 'e', 's', 't', 'p', 'a', 's', 's',
	}
	if !bytes.Equal(buf.Bytes(), wire) {
		t.Errorf("got wire %v, want %v", buf.Bytes(), wire)
	}
	got, err := ReadUserPass(&buf)
	if err != nil {
		t.Fatalf("ReadUserPass() failed: %v", err)
	}
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCredentialValidate(t *testing.T) {
	testCases := []struct {
		cred    Credential
		wantErr bool
	}{
		{Credential{User: "u", Password: ""}, false},
		{Credential{User: strings.Repeat("u", 255), Password: strings.Repeat("p", 255)}, false},
		{Credential{User: "", Password: "p"}, true},
		{Credential{User: strings.Repeat("u", 256), Password: "p"}, true},
		{Credential{User: "u", Password: strings.Repeat("p", 256)}, true},
	}
	for _, tc := range testCases {
		err := tc.cred.Validate()
		if tc.wantErr && err == nil {
			t.Errorf("Validate(%v) returned no error", tc.cred)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("Validate(%v) failed: %v", tc.cred, err)
		}
	}
}

func TestCredentialStringHidesPassword(t *testing.T) {
	c := Credential{User: "alice", Password: "secret"}
	if got := c.String(); strings.Contains(got, "secret") {
		t.Errorf("String() leaked the password: %q", got)
	}
}

func TestUserPassReplyRoundTrip(t *testing.T) {
	for _, ok := range []bool{true, false} {
		var buf bytes.Buffer
		if err := WriteUserPassReply(&buf, ok); err != nil {
			t.Fatalf("WriteUserPassReply() failed: %v", err)
		}
		got, err := ReadUserPassReply(&buf)
		if err != nil {
			t.Fatalf("ReadUserPassReply() failed: %v", err)
		}
		if got != ok {
			t.Errorf("got %v, want %v", got, ok)
		}
	}
}
