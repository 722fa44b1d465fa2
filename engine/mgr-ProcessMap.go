// Copyright © 2024 AI Horde <contact@aihorde.net>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package engine

import (
	"fmt"

	"github.com/aihorde/horde-image-worker/common"
)

// ProcessConnection is the orchestrator's half of a child's control channel.
// The production implementation frames messages onto the child's stdin; tests
// substitute a recording fake.
type ProcessConnection interface {
	Send(msg *common.ControlMessage) error
	Close() error
}

// ProcessInfo is the registry entry for one child worker.
type ProcessInfo struct {
	ProcessID int
	Kind      common.ProcessKind
	Conn      ProcessConnection

	// LastState is whatever the child reported most recently. The
	// orchestrator observes states, it never invents them.
	LastState common.ProcessState

	// LoadedModelName is the model resident on this worker, empty if none.
	// Written by the message dispatcher, and by the scheduler at preload and
	// at RAM eviction.
	LoadedModelName string

	RAMUsageBytes  int64
	VRAMUsageBytes int64
	VRAMTotalBytes int64
}

func (p *ProcessInfo) CanAcceptJob() bool {
	return p.LastState.CanAcceptJob()
}

func (p *ProcessInfo) IsBusy() bool {
	return !p.LastState.CanAcceptJob()
}

func (p *ProcessInfo) String() string {
	return fmt.Sprintf("ProcessInfo(id=%d, kind=%s, state=%s, model=%q)",
		p.ProcessID, p.Kind, p.LastState, p.LoadedModelName)
}

// ProcessMap tracks every child worker by its dense process id. Iteration
// helpers walk ids in ascending order so "first available" is deterministic.
type ProcessMap map[int]*ProcessInfo

func (pm ProcessMap) ordered() []*ProcessInfo {
	out := make([]*ProcessInfo, 0, len(pm))
	for pid := 0; pid < len(pm); pid++ {
		if p, ok := pm[pid]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (pm ProcessMap) NumInferenceProcesses() int {
	count := 0
	for _, p := range pm {
		if p.Kind == common.EProcessKind.Inference() {
			count++
		}
	}
	return count
}

func (pm ProcessMap) NumAvailableInferenceProcesses() int {
	count := 0
	for _, p := range pm {
		if p.Kind == common.EProcessKind.Inference() && !p.IsBusy() {
			count++
		}
	}
	return count
}

func (pm ProcessMap) NumSafetyProcesses() int {
	count := 0
	for _, p := range pm {
		if p.Kind == common.EProcessKind.Safety() {
			count++
		}
	}
	return count
}

func (pm ProcessMap) FirstAvailableInferenceProcess() *ProcessInfo {
	for _, p := range pm.ordered() {
		if p.Kind == common.EProcessKind.Inference() && p.CanAcceptJob() {
			return p
		}
	}
	return nil
}

func (pm ProcessMap) FirstAvailableSafetyProcess() *ProcessInfo {
	for _, p := range pm.ordered() {
		if p.Kind == common.EProcessKind.Safety() && p.CanAcceptJob() {
			return p
		}
	}
	return nil
}

// ProcessByModelName finds the worker a model is resident on.
func (pm ProcessMap) ProcessByModelName(modelName string) *ProcessInfo {
	for _, p := range pm.ordered() {
		if p.LoadedModelName == modelName {
			return p
		}
	}
	return nil
}
