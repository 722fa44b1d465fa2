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
	"context"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/aihorde/horde-image-worker/bridge"
	"github.com/aihorde/horde-image-worker/common"
	"github.com/aihorde/horde-image-worker/hordeapi"
	"github.com/aihorde/horde-image-worker/reference"
)

const testTotalRAM = 16 * common.GiB

const testCatalogJSON = `{
	"stable_diffusion_1": {"baseline": "stable diffusion 1"},
	"model-a": {"baseline": "stable diffusion 1"},
	"model-b": {"baseline": "stable diffusion 1"}
}`

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// fakeConn records every control message the engine sends to one child.
type fakeConn struct {
	sent    []*common.ControlMessage
	sendErr error
}

func (f *fakeConn) Send(msg *common.ControlMessage) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	clone := *msg
	f.sent = append(f.sent, &clone)
	return nil
}

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) sentFlags() []common.ControlFlag {
	flags := make([]common.ControlFlag, 0, len(f.sent))
	for _, msg := range f.sent {
		flags = append(flags, msg.Flag)
	}
	return flags
}

func (f *fakeConn) countFlag(flag common.ControlFlag) int {
	count := 0
	for _, msg := range f.sent {
		if msg.Flag == flag {
			count++
		}
	}
	return count
}

func (f *fakeConn) lastWithFlag(flag common.ControlFlag) *common.ControlMessage {
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Flag == flag {
			return f.sent[i]
		}
	}
	return nil
}

// fakeSpawner hands out fakeConns keyed by process id.
type fakeSpawner struct {
	conns map[int]*fakeConn
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{conns: map[int]*fakeConn{}}
}

func (s *fakeSpawner) Spawn(kind common.ProcessKind, processID int) (ProcessConnection, error) {
	conn := &fakeConn{}
	s.conns[processID] = conn
	return conn, nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// fakeClient scripts the dispatch API per test.
type fakeClient struct {
	popFn      func(req *hordeapi.ImageGenerateJobPopRequest) (*hordeapi.ImageGenerateJobPopResponse, error)
	submitFn   func(req *hordeapi.JobSubmitRequest) (*hordeapi.JobSubmitResponse, error)
	findUserFn func(apiKey string) (*hordeapi.FindUserResponse, error)
	uploadFn   func(url string, body []byte) error

	popCalls    int
	submitCalls int
	uploadCalls int
}

func (c *fakeClient) PopImageGenerateJob(_ context.Context, req *hordeapi.ImageGenerateJobPopRequest) (*hordeapi.ImageGenerateJobPopResponse, error) {
	c.popCalls++
	if c.popFn == nil {
		return &hordeapi.ImageGenerateJobPopResponse{}, nil
	}
	return c.popFn(req)
}

func (c *fakeClient) SubmitJob(_ context.Context, req *hordeapi.JobSubmitRequest) (*hordeapi.JobSubmitResponse, error) {
	c.submitCalls++
	if c.submitFn == nil {
		return &hordeapi.JobSubmitResponse{Reward: 1}, nil
	}
	return c.submitFn(req)
}

func (c *fakeClient) FindUser(_ context.Context, apiKey string) (*hordeapi.FindUserResponse, error) {
	if c.findUserFn == nil {
		return &hordeapi.FindUserResponse{Username: "tester"}, nil
	}
	return c.findUserFn(apiKey)
}

func (c *fakeClient) UploadArtifact(_ context.Context, url string, body []byte) error {
	c.uploadCalls++
	if c.uploadFn == nil {
		return nil
	}
	return c.uploadFn(url, body)
}

var errFakeUpload = errors.New("upload failed")

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

type testFixture struct {
	engine  *Engine
	spawner *fakeSpawner
	client  *fakeClient
}

// newTestFixture builds an engine with one safety process (pid 0) and the
// configured inference processes (pids 1..n), all fake, all WaitingForJob.
func newTestFixture(t *testing.T, mutate func(cfg *bridge.Config)) *testFixture {
	t.Helper()

	cfg := &bridge.Config{
		APIKey:                          "test-key",
		WorkerName:                      "test worker",
		ImageModelsToLoad:               []string{"stable_diffusion_1", "model-a", "model-b"},
		QueueSize:                       1,
		MaxPower:                        8,
		MaxInferenceProcesses:           1,
		MaxConcurrentInferenceProcesses: 1,
		MaxSafetyProcesses:              1,
		MaxDownloadProcesses:            1,
		TargetRAMOverheadBytes:          2 * common.GiB,
		LogLevel:                        "None",
	}
	if mutate != nil {
		mutate(cfg)
	}

	catalog, err := reference.Parse([]byte(testCatalogJSON))
	require.NoError(t, err)

	spawner := newFakeSpawner()
	client := &fakeClient{}

	e, err := NewEngine(cfg, catalog, client, spawner, common.NewSilentLogger(), testTotalRAM)
	require.NoError(t, err)

	require.NoError(t, e.StartSafetyProcesses())
	require.NoError(t, e.StartInferenceProcesses())

	f := &testFixture{engine: e, spawner: spawner, client: client}
	for pid := range e.processMap {
		f.report(common.ReportMessage{
			Kind:         common.EReportKind.ProcessStateChange(),
			ProcessID:    pid,
			ProcessState: common.EProcessState.WaitingForJob(),
		})
	}
	f.tick(t)
	return f
}

func (f *testFixture) report(msg common.ReportMessage) {
	f.engine.reportCh <- msg
}

func (f *testFixture) tick(t *testing.T) {
	t.Helper()
	require.NoError(t, f.engine.controlTick())
}

func (f *testFixture) pushJob(job *hordeapi.ImageGenerateJobPopResponse) {
	f.engine.jobDequeLock.Lock()
	f.engine.jobDeque = append(f.engine.jobDeque, job)
	f.engine.jobDequeLock.Unlock()
}

func (f *testFixture) inferenceConn() *fakeConn {
	return f.spawner.conns[1]
}

func (f *testFixture) safetyConn() *fakeConn {
	return f.spawner.conns[0]
}

func makeJob(id, model string) *hordeapi.ImageGenerateJobPopResponse {
	return &hordeapi.ImageGenerateJobPopResponse{
		ID:    id,
		Model: model,
		Payload: hordeapi.JobPayload{
			Prompt: "a lighthouse at dusk",
			Seed:   "42",
			Width:  512,
			Height: 512,
		},
		R2Upload: "https://bucket.example/presigned/" + id,
	}
}

func inferenceResult(t *testing.T, pid int, job *hordeapi.ImageGenerateJobPopResponse, images ...string) common.ReportMessage {
	t.Helper()
	payload, err := json.Marshal(job)
	require.NoError(t, err)
	if len(images) == 0 {
		images = []string{"aW1hZ2U="}
	}
	return common.ReportMessage{
		Kind:            common.EReportKind.InferenceResult(),
		ProcessID:       pid,
		JobPayload:      payload,
		ImagesBase64:    images,
		GenerationState: common.EGenerationState.Ok(),
	}
}

func stateChange(pid int, state common.ProcessState) common.ReportMessage {
	return common.ReportMessage{
		Kind:         common.EReportKind.ProcessStateChange(),
		ProcessID:    pid,
		ProcessState: state,
	}
}

func modelStateChange(pid int, model string, state common.ModelLoadState) common.ReportMessage {
	return common.ReportMessage{
		Kind:           common.EReportKind.ModelStateChange(),
		ProcessID:      pid,
		ModelName:      model,
		ModelLoadState: state,
	}
}
