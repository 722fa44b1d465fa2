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

package common

import (
	"encoding/json"
	"reflect"

	"github.com/JeffreyRichter/enum/enum"
)

const (
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB

	DEFAULT_FILE_PERM = 0644
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EProcessKind = ProcessKind(0)

// ProcessKind distinguishes the three kinds of child worker this node runs.
type ProcessKind uint8

func (ProcessKind) Inference() ProcessKind { return ProcessKind(0) }
func (ProcessKind) Safety() ProcessKind    { return ProcessKind(1) }
func (ProcessKind) Download() ProcessKind  { return ProcessKind(2) }

func (pk ProcessKind) String() string {
	return enum.StringInt(pk, reflect.TypeOf(pk))
}

func (pk *ProcessKind) Parse(s string) error {
	val, err := enum.ParseInt(reflect.TypeOf(pk), s, true, true)
	if err == nil {
		*pk = val.(ProcessKind)
	}
	return err
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EProcessState = ProcessState(0)

// ProcessState is the state machine a child worker walks through, as reported
// by the child itself. The orchestrator never fabricates a state, it only
// records the latest one observed.
type ProcessState uint8

func (ProcessState) Starting() ProcessState          { return ProcessState(0) }
func (ProcessState) WaitingForJob() ProcessState     { return ProcessState(1) }
func (ProcessState) Preloading() ProcessState        { return ProcessState(2) }
func (ProcessState) Preloaded() ProcessState         { return ProcessState(3) }
func (ProcessState) InferenceStarting() ProcessState { return ProcessState(4) }
func (ProcessState) InferenceRunning() ProcessState  { return ProcessState(5) }
func (ProcessState) InferenceComplete() ProcessState { return ProcessState(6) }
func (ProcessState) EvaluatingSafety() ProcessState  { return ProcessState(7) }
func (ProcessState) Unloading() ProcessState         { return ProcessState(8) }
func (ProcessState) Ending() ProcessState            { return ProcessState(9) }
func (ProcessState) Ended() ProcessState             { return ProcessState(10) }

// CanAcceptJob reports whether a worker in this state may be handed new work.
func (ps ProcessState) CanAcceptJob() bool {
	return ps == EProcessState.WaitingForJob() || ps == EProcessState.Preloaded()
}

func (ps ProcessState) String() string {
	return enum.StringInt(ps, reflect.TypeOf(ps))
}

func (ps *ProcessState) Parse(s string) error {
	val, err := enum.ParseInt(reflect.TypeOf(ps), s, true, true)
	if err == nil {
		*ps = val.(ProcessState)
	}
	return err
}

func (ps ProcessState) MarshalJSON() ([]byte, error) {
	return json.Marshal(ps.String())
}

func (ps *ProcessState) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return ps.Parse(s)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EModelLoadState = ModelLoadState(0)

// ModelLoadState tracks where a model's weights currently live.
type ModelLoadState uint8

func (ModelLoadState) OnDisk() ModelLoadState       { return ModelLoadState(0) }
func (ModelLoadState) Loading() ModelLoadState      { return ModelLoadState(1) }
func (ModelLoadState) LoadedInRAM() ModelLoadState  { return ModelLoadState(2) }
func (ModelLoadState) LoadedInVRAM() ModelLoadState { return ModelLoadState(3) }

// IsLoaded reports whether the weights are resident in RAM or VRAM.
func (mls ModelLoadState) IsLoaded() bool {
	return mls == EModelLoadState.LoadedInRAM() || mls == EModelLoadState.LoadedInVRAM()
}

func (mls ModelLoadState) String() string {
	return enum.StringInt(mls, reflect.TypeOf(mls))
}

func (mls *ModelLoadState) Parse(s string) error {
	val, err := enum.ParseInt(reflect.TypeOf(mls), s, true, true)
	if err == nil {
		*mls = val.(ModelLoadState)
	}
	return err
}

func (mls ModelLoadState) MarshalJSON() ([]byte, error) {
	return json.Marshal(mls.String())
}

func (mls *ModelLoadState) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return mls.Parse(s)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EGenerationState = GenerationState(0)

// GenerationState is the terminal disposition of a generation, reported back
// to the dispatch API on submit.
type GenerationState uint8

func (GenerationState) Ok() GenerationState       { return GenerationState(0) }
func (GenerationState) Censored() GenerationState { return GenerationState(1) }
func (GenerationState) Csam() GenerationState     { return GenerationState(2) }
func (GenerationState) Faulted() GenerationState  { return GenerationState(3) }

func (gs GenerationState) String() string {
	return enum.StringInt(gs, reflect.TypeOf(gs))
}

func (gs *GenerationState) Parse(s string) error {
	val, err := enum.ParseInt(reflect.TypeOf(gs), s, true, true)
	if err == nil {
		*gs = val.(GenerationState)
	}
	return err
}

func (gs GenerationState) MarshalJSON() ([]byte, error) {
	return json.Marshal(gs.String())
}

func (gs *GenerationState) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return gs.Parse(s)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var ELogLevel = LogLevel(0)

type LogLevel uint8

func (LogLevel) None() LogLevel    { return LogLevel(0) }
func (LogLevel) Fatal() LogLevel   { return LogLevel(1) }
func (LogLevel) Error() LogLevel   { return LogLevel(2) }
func (LogLevel) Warning() LogLevel { return LogLevel(3) }
func (LogLevel) Info() LogLevel    { return LogLevel(4) }
func (LogLevel) Debug() LogLevel   { return LogLevel(5) }

func (ll LogLevel) String() string {
	switch ll {
	case ELogLevel.None():
		return "NONE"
	case ELogLevel.Fatal():
		return "FATAL"
	case ELogLevel.Error():
		return "ERR"
	case ELogLevel.Warning():
		return "WARN"
	case ELogLevel.Info():
		return "INFO"
	case ELogLevel.Debug():
		return "DBG"
	default:
		return enum.StringInt(ll, reflect.TypeOf(ll))
	}
}

func (ll *LogLevel) Parse(s string) error {
	val, err := enum.ParseInt(reflect.TypeOf(ll), s, true, true)
	if err == nil {
		*ll = val.(LogLevel)
	}
	return err
}
