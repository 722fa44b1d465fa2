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
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aihorde/horde-image-worker/common"
	"github.com/aihorde/horde-image-worker/hordeapi"
)

func pngBase64(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func completedRecord(t *testing.T, id string) *CompletedJobInfo {
	t.Helper()
	censored := false
	return &CompletedJobInfo{
		Job:          makeJob(id, "model-a"),
		ImagesBase64: []string{pngBase64(t)},
		State:        common.EGenerationState.Ok(),
		Censored:     &censored,
	}
}

func TestPopAppendsToDeque(t *testing.T) {
	a := assert.New(t)
	f := newTestFixture(t, nil)

	f.client.popFn = func(req *hordeapi.ImageGenerateJobPopRequest) (*hordeapi.ImageGenerateJobPopResponse, error) {
		a.Equal("test worker", req.Name)
		a.Equal(common.BridgeAgent, req.BridgeAgent)
		a.Equal(8*8*64*64, req.MaxPixels)
		a.False(req.AllowLora)
		return makeJob("job-1", "model-a"), nil
	}

	f.engine.apiJobPop(context.Background())
	require.Len(t, f.engine.jobDeque, 1)
	a.Equal("job-1", f.engine.jobDeque[0].ID)
}

func TestPopSkipsWhenDequeIsFull(t *testing.T) {
	a := assert.New(t)
	f := newTestFixture(t, nil) // queue_size 1 -> deque holds at most 2

	f.pushJob(makeJob("job-1", "model-a"))
	f.pushJob(makeJob("job-2", "model-a"))

	f.engine.apiJobPop(context.Background())
	a.Zero(f.client.popCalls)
}

func TestPopBackoffAfterError(t *testing.T) {
	a := assert.New(t)
	f := newTestFixture(t, nil)

	f.client.popFn = func(*hordeapi.ImageGenerateJobPopRequest) (*hordeapi.ImageGenerateJobPopResponse, error) {
		return nil, &hordeapi.RequestError{StatusCode: http.StatusForbidden, Message: "nope"}
	}
	f.engine.apiJobPop(context.Background())
	a.Equal(1, f.client.popCalls)
	a.Equal(errorJobPopInterval, f.engine.jobPopInterval)

	// within the backoff window: no attempt is made
	f.engine.apiJobPop(context.Background())
	a.Equal(1, f.client.popCalls)

	// past the window, a successful pop restores the default interval
	f.engine.lastJobPopTime = time.Now().Add(-errorJobPopInterval - time.Second)
	f.client.popFn = func(*hordeapi.ImageGenerateJobPopRequest) (*hordeapi.ImageGenerateJobPopResponse, error) {
		return makeJob("job-1", "model-a"), nil
	}
	f.engine.apiJobPop(context.Background())
	a.Equal(2, f.client.popCalls)
	a.Equal(defaultJobPopInterval, f.engine.jobPopInterval)
}

func TestNoJobResponseLogsSkippedAndKeepsInterval(t *testing.T) {
	a := assert.New(t)
	f := newTestFixture(t, nil)

	f.client.popFn = func(*hordeapi.ImageGenerateJobPopRequest) (*hordeapi.ImageGenerateJobPopResponse, error) {
		return &hordeapi.ImageGenerateJobPopResponse{Skipped: hordeapi.SkippedBreakdown{"models": 2}}, nil
	}
	f.engine.apiJobPop(context.Background())
	a.Empty(f.engine.jobDeque)
	a.Equal(defaultJobPopInterval, f.engine.jobPopInterval)
}

func TestSubmitHappyPath(t *testing.T) {
	a := assert.New(t)
	f := newTestFixture(t, nil)

	var uploadedBody []byte
	f.client.uploadFn = func(url string, body []byte) error {
		a.Contains(url, "presigned/job-1")
		uploadedBody = body
		return nil
	}
	f.client.submitFn = func(req *hordeapi.JobSubmitRequest) (*hordeapi.JobSubmitResponse, error) {
		a.Equal("job-1", req.ID)
		a.Equal(int64(42), req.Seed)
		a.Equal("R2", req.Generation)
		a.Equal(common.EGenerationState.Ok(), req.State)
		a.False(req.Censored)
		return &hordeapi.JobSubmitResponse{Reward: 12.5}, nil
	}

	f.engine.completedJobs = append(f.engine.completedJobs, completedRecord(t, "job-1"))
	f.engine.apiSubmitJob(context.Background())

	a.Empty(f.engine.completedJobs)
	// the uploaded body is the WebP transcode, not the original PNG
	require.Greater(t, len(uploadedBody), 12)
	a.Equal("RIFF", string(uploadedBody[0:4]))
	a.Equal("WEBP", string(uploadedBody[8:12]))
}

func TestSubmitRetainsRecordOnUploadFailure(t *testing.T) {
	a := assert.New(t)
	f := newTestFixture(t, nil)

	f.client.uploadFn = func(string, []byte) error {
		return &hordeapi.RequestError{StatusCode: http.StatusInternalServerError, Message: "artifact upload rejected"}
	}
	f.engine.completedJobs = append(f.engine.completedJobs, completedRecord(t, "job-1"))

	f.engine.apiSubmitJob(context.Background())
	require.Len(t, f.engine.completedJobs, 1)
	a.Zero(f.client.submitCalls) // never submitted without a stored artifact

	// transient failure clears; the whole sequence reruns and succeeds
	f.client.uploadFn = nil
	f.engine.apiSubmitJob(context.Background())
	a.Empty(f.engine.completedJobs)
	a.Equal(1, f.client.submitCalls)
}

func TestSubmitRetainsRecordOnAPIError(t *testing.T) {
	a := assert.New(t)
	f := newTestFixture(t, nil)

	f.client.submitFn = func(*hordeapi.JobSubmitRequest) (*hordeapi.JobSubmitResponse, error) {
		return nil, &hordeapi.RequestError{StatusCode: http.StatusBadGateway, Message: "try later"}
	}
	f.engine.completedJobs = append(f.engine.completedJobs, completedRecord(t, "job-1"))

	f.engine.apiSubmitJob(context.Background())
	a.Len(f.engine.completedJobs, 1)
}

func TestSubmitRefusesUnscreenedRecord(t *testing.T) {
	a := assert.New(t)
	f := newTestFixture(t, nil)

	record := completedRecord(t, "job-1")
	record.Censored = nil // never screened
	f.engine.completedJobs = append(f.engine.completedJobs, record)

	f.engine.apiSubmitJob(context.Background())
	a.Zero(f.client.uploadCalls)
	a.Zero(f.client.submitCalls)
}

func TestSubmitCarriesCensorshipVerdict(t *testing.T) {
	a := assert.New(t)
	f := newTestFixture(t, nil)

	record := completedRecord(t, "job-1")
	censored := true
	record.Censored = &censored
	record.State = common.EGenerationState.Csam()
	f.engine.completedJobs = append(f.engine.completedJobs, record)

	f.client.submitFn = func(req *hordeapi.JobSubmitRequest) (*hordeapi.JobSubmitResponse, error) {
		a.Equal(common.EGenerationState.Csam(), req.State)
		a.True(req.Censored)
		return &hordeapi.JobSubmitResponse{}, nil
	}
	f.engine.apiSubmitJob(context.Background())
	a.Empty(f.engine.completedJobs)
}

func TestUserInfoFailureClassification(t *testing.T) {
	a := assert.New(t)
	f := newTestFixture(t, nil)

	f.client.findUserFn = func(string) (*hordeapi.FindUserResponse, error) {
		return nil, &hordeapi.ClientError{Op: "GET /v2/find_user", Err: context.DeadlineExceeded}
	}
	f.engine.apiGetUserInfo(context.Background())
	a.True(f.engine.userInfoFailed)
	a.Contains(f.engine.userInfoFailedReason, "HTTP error")

	f.client.findUserFn = func(string) (*hordeapi.FindUserResponse, error) {
		return &hordeapi.FindUserResponse{
			Username:     "tester",
			KudosDetails: &hordeapi.KudosDetails{Accumulated: 1234},
		}, nil
	}
	f.engine.apiGetUserInfo(context.Background())
	a.False(f.engine.userInfoFailed)
	a.Empty(f.engine.userInfoFailedReason)
	require.NotNil(t, f.engine.userInfo)
	a.Equal("tester", f.engine.userInfo.Username)
}
