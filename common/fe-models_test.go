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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProcessStateCanAcceptJob(t *testing.T) {
	a := assert.New(t)

	a.True(EProcessState.WaitingForJob().CanAcceptJob())
	a.True(EProcessState.Preloaded().CanAcceptJob())

	busy := []ProcessState{
		EProcessState.Starting(),
		EProcessState.Preloading(),
		EProcessState.InferenceStarting(),
		EProcessState.InferenceRunning(),
		EProcessState.InferenceComplete(),
		EProcessState.EvaluatingSafety(),
		EProcessState.Unloading(),
		EProcessState.Ending(),
		EProcessState.Ended(),
	}
	for _, state := range busy {
		a.False(state.CanAcceptJob(), state.String())
	}
}

func TestModelLoadStateIsLoaded(t *testing.T) {
	a := assert.New(t)

	a.True(EModelLoadState.LoadedInRAM().IsLoaded())
	a.True(EModelLoadState.LoadedInVRAM().IsLoaded())
	a.False(EModelLoadState.OnDisk().IsLoaded())
	a.False(EModelLoadState.Loading().IsLoaded())
}

func TestProcessStateJSONRoundTrip(t *testing.T) {
	a := assert.New(t)

	raw, err := json.Marshal(EProcessState.InferenceRunning())
	a.NoError(err)
	a.Equal(`"InferenceRunning"`, string(raw))

	var state ProcessState
	a.NoError(json.Unmarshal(raw, &state))
	a.Equal(EProcessState.InferenceRunning(), state)
}

func TestGenerationStateParse(t *testing.T) {
	a := assert.New(t)

	var state GenerationState
	a.NoError(state.Parse("csam"))
	a.Equal(EGenerationState.Csam(), state)

	a.Error(state.Parse("not-a-state"))
}

func TestLogLevelOrdering(t *testing.T) {
	a := assert.New(t)

	// lower value = more severe; used by ShouldLog's <= comparison
	a.Less(uint8(ELogLevel.Fatal()), uint8(ELogLevel.Error()))
	a.Less(uint8(ELogLevel.Error()), uint8(ELogLevel.Warning()))
	a.Less(uint8(ELogLevel.Warning()), uint8(ELogLevel.Info()))
	a.Less(uint8(ELogLevel.Info()), uint8(ELogLevel.Debug()))
}
