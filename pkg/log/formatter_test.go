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

package log

import (
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestCliFormatter(t *testing.T) {
	entry := &logrus.Entry{
		Message: "hello world",
		Time:    time.Now(),
		Level:   logrus.InfoLevel,
	}
	out, err := (&CliFormatter{}).Format(entry)
	if err != nil {
		t.Fatalf("Format() failed: %v", err)
	}
	if string(out) != "hello world\n" {
		t.Errorf("got %q, want %q", out, "hello world\n")
	}
}

func TestDaemonFormatterFieldOrder(t *testing.T) {
	entry := &logrus.Entry{
		Message: "request blocked",
		Time:    time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Level:   logrus.InfoLevel,
		Data: logrus.Fields{
			"zeta":  1,
			"alpha": 2,
		},
	}
	out, err := (&DaemonFormatter{}).Format(entry)
	if err != nil {
		t.Fatalf("Format() failed: %v", err)
	}
	line := string(out)
	if !strings.Contains(line, "INFO") {
		t.Errorf("output %q has no level", line)
	}
	if !strings.Contains(line, "request blocked") {
		t.Errorf("output %q has no message", line)
	}
	// User fields are sorted.
	if strings.Index(line, "alpha=2") > strings.Index(line, "zeta=1") {
		t.Errorf("user fields are not sorted: %q", line)
	}
}

func TestNilFormatter(t *testing.T) {
	entry := &logrus.Entry{Message: "hidden", Level: logrus.InfoLevel}
	out, err := (&NilFormatter{}).Format(entry)
	if err != nil {
		t.Fatalf("Format() failed: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("got %q, want empty output", out)
	}
}

func TestSetLevel(t *testing.T) {
	defer SetLevel("info")
	if !SetLevel("debug") {
		t.Errorf("SetLevel(debug) failed")
	}
	if !IsLevelEnabled(DebugLevel) {
		t.Errorf("debug level is not enabled after SetLevel")
	}
	if SetLevel("noisy") {
		t.Errorf("SetLevel(noisy) succeeded")
	}
}

func TestCallback(t *testing.T) {
	got := make(chan LogMessage, 1)
	SetCallback(func(m LogMessage) {
		select {
		case got <- m:
		default:
		}
	})
	defer SetCallback(nil)

	Infof("callback test message")
	select {
	case m := <-got:
		if !strings.Contains(m.Message, "callback test message") {
			t.Errorf("got message %q", m.Message)
		}
		if m.Level != "INFO" {
			t.Errorf("got level %q, want INFO", m.Level)
		}
	default:
		t.Errorf("callback was not invoked")
	}
}
