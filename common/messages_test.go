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
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	a := assert.New(t)

	sent := &ControlMessage{
		Flag:           EControlFlag.PreloadModel(),
		ModelName:      "stable_diffusion_1",
		WillLoadLoras:  true,
		SeamlessTiling: true,
	}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, sent))

	var received ControlMessage
	require.NoError(t, ReadFrame(&buf, &received))

	a.Equal(sent.Flag, received.Flag)
	a.Equal(sent.ModelName, received.ModelName)
	a.True(received.WillLoadLoras)
	a.True(received.SeamlessTiling)
}

func TestFrameSequencePreservesOrder(t *testing.T) {
	a := assert.New(t)

	var buf bytes.Buffer
	for i := 0; i < 5; i++ {
		require.NoError(t, WriteFrame(&buf, &ReportMessage{
			Kind:      EReportKind.ProcessStateChange(),
			ProcessID: i,
		}))
	}

	for i := 0; i < 5; i++ {
		var msg ReportMessage
		require.NoError(t, ReadFrame(&buf, &msg))
		a.Equal(i, msg.ProcessID)
	}

	var msg ReportMessage
	a.Equal(io.EOF, ReadFrame(&buf, &msg))
}

func TestReadFrameRejectsOversizedPrefix(t *testing.T) {
	a := assert.New(t)

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(maxFrameSize+1))

	var msg ReportMessage
	err := ReadFrame(bytes.NewReader(prefix[:]), &msg)
	a.Error(err)
	a.Contains(err.Error(), "exceeds")
}

func TestReadFrameEOFOnEmptyReader(t *testing.T) {
	a := assert.New(t)

	var msg ReportMessage
	// EOF must come through unwrapped so connection readers can detect exit
	a.Equal(io.EOF, ReadFrame(bytes.NewReader(nil), &msg))
}

func TestSafetyEvaluationJSON(t *testing.T) {
	a := assert.New(t)

	replacement := "cmVwbGFjZW1lbnQ="
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &ReportMessage{
		Kind:  EReportKind.SafetyResult(),
		JobID: "job-1",
		SafetyEvaluations: []SafetyEvaluation{
			{IsNSFW: true, IsCSAM: false, ReplacementImageBase64: &replacement},
			{IsNSFW: false, IsCSAM: false},
		},
	}))

	var msg ReportMessage
	require.NoError(t, ReadFrame(&buf, &msg))
	require.Len(t, msg.SafetyEvaluations, 2)
	a.True(msg.SafetyEvaluations[0].IsNSFW)
	require.NotNil(t, msg.SafetyEvaluations[0].ReplacementImageBase64)
	a.Equal(replacement, *msg.SafetyEvaluations[0].ReplacementImageBase64)
	a.Nil(msg.SafetyEvaluations[1].ReplacementImageBase64)
}
