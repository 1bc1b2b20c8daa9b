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

package metrics

import (
	"sync"
	"testing"
)

func TestRegisterMetricReturnsSamePointer(t *testing.T) {
	m1 := RegisterMetric("testGroup", "metric1")
	m2 := RegisterMetric("testGroup", "metric1")
	if m1 != m2 {
		t.Errorf("RegisterMetric() returned different pointers for the same metric")
	}
}

func TestCounterAddLoad(t *testing.T) {
	m := RegisterMetric("testGroup", "counter")
	before := m.Load()
	m.Add(5)
	if got := m.Load(); got != before+5 {
		t.Errorf("got %d, want %d", got, before+5)
	}

	defer func() {
		if recover() == nil {
			t.Errorf("Add() of a negative value did not panic")
		}
	}()
	m.Add(-1)
}

func TestGaugeStore(t *testing.T) {
	g := RegisterGauge("testGroup", "gauge")
	g.Store(42)
	if got := g.Load(); got != 42 {
		t.Errorf("got %d, want %d", got, 42)
	}
	g.Add(-2)
	if got := g.Load(); got != 40 {
		t.Errorf("got %d, want %d", got, 40)
	}
}

func TestMetricGroupLookup(t *testing.T) {
	RegisterMetric("lookupGroup", "m")
	group := GetMetricGroupByName("lookupGroup")
	if group == nil {
		t.Fatalf("GetMetricGroupByName() returned nil")
	}
	if _, ok := group.GetMetric("m"); !ok {
		t.Errorf("GetMetric() did not find the registered metric")
	}
	if GetMetricGroupByName("missingGroup") != nil {
		t.Errorf("GetMetricGroupByName() of an unknown group is not nil")
	}
}

func TestConcurrentCounterUpdates(t *testing.T) {
	m := RegisterMetric("testGroup", "concurrent")
	before := m.Load()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := m.Load(); got != before+16000 {
		t.Errorf("got %d, want %d", got, before+16000)
	}
}
