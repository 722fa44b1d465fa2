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
	"fmt"
	"strconv"
	"time"

	"github.com/aihorde/horde-image-worker/common"
	"github.com/aihorde/horde-image-worker/hordeapi"
)

// apiCallLoop is the second top-level loop: pop new jobs, submit finished
// ones, refresh the account record. It never terminates on its own; the
// process-control loop cancels it at shutdown. Failures inside one tick are
// logged and the loop carries on.
func (e *Engine) apiCallLoop(ctx context.Context) error {
	for {
		if e.userInfoFailed {
			// The dispatch API is unreachable; ease off everything.
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(userInfoFailedBackoff):
			}
		}

		e.apiJobPop(ctx)
		e.apiSubmitJob(ctx)

		if time.Since(e.lastUserInfoTime) > userInfoInterval {
			e.lastUserInfoTime = time.Now()
			e.apiGetUserInfo(ctx)
			if e.userInfoFailed {
				e.logger.Log(common.ELogLevel.Error(), "The server failed to respond. Is the horde or your internet down?")
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(e.apiTickInterval):
		}
	}
}

// apiJobPop tops the deque up to the pipeline depth target. Pops are rate
// limited to one per second, backed off to five after a failure.
func (e *Engine) apiJobPop(ctx context.Context) {
	if e.shutdownRequested {
		return
	}

	e.jobDequeLock.Lock()
	dequeLen := len(e.jobDeque)
	e.jobDequeLock.Unlock()

	// one extra beyond the target so a pop can land while the head runs
	if dequeLen >= e.cfg.QueueSize+1 {
		return
	}
	if time.Since(e.lastJobPopTime) < e.jobPopInterval {
		return
	}
	e.lastJobPopTime = time.Now()

	request := &hordeapi.ImageGenerateJobPopRequest{
		APIKey:              e.cfg.APIKey,
		Name:                e.cfg.WorkerName,
		BridgeAgent:         common.BridgeAgent,
		BridgeVersion:       common.BridgeVersion,
		Models:              e.cfg.ImageModelsToLoad,
		NSFW:                e.cfg.NSFW,
		Threads:             e.cfg.MaxConcurrentInferenceProcesses,
		MaxPixels:           e.cfg.MaxPixels(),
		RequireUpfrontKudos: e.cfg.RequireUpfrontKudos,
		AllowImg2Img:        e.cfg.AllowImg2Img,
		AllowPainting:       e.cfg.AllowInpainting,
		AllowUnsafeIPAddr:   e.cfg.AllowUnsafeIP,
		AllowPostProcessing: e.cfg.AllowPostProcessing,
		AllowControlnet:     e.cfg.AllowControlnet,
		AllowLora:           false, // loras stay off until the preload path is proven with them
	}

	response, err := e.client.PopImageGenerateJob(ctx, request)
	if err != nil {
		e.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("Failed to pop job: %v", err))
		e.jobPopInterval = errorJobPopInterval
		return
	}
	e.jobPopInterval = defaultJobPopInterval

	if !response.HasJob() {
		e.logger.Log(common.ELogLevel.Info(), fmt.Sprintf("No job available. (Skipped reasons: %v)", response.Skipped))
		return
	}

	e.logger.Log(common.ELogLevel.Info(), fmt.Sprintf("Popped job %s (model: %s)", response.ID, response.Model))
	e.metrics.jobsPopped.Inc()

	e.jobDequeLock.Lock()
	e.jobDeque = append(e.jobDeque, response)
	e.jobDequeLock.Unlock()
}

// apiSubmitJob pushes the oldest completed record out: transcode, upload to
// the presigned URL, then report to the dispatch API. An upload or submit
// failure keeps the record, so the whole sequence is retried next tick; a
// record that fails validation or transcoding is discarded.
func (e *Engine) apiSubmitJob(ctx context.Context) {
	e.completedJobsLock.Lock()
	var record *CompletedJobInfo
	if len(e.completedJobs) > 0 {
		record = e.completedJobs[0]
	}
	e.completedJobsLock.Unlock()
	if record == nil {
		return
	}

	if reason := validateForSubmit(record); reason != "" {
		// Submitting this record can never succeed; keeping it would wedge
		// the queue head forever.
		e.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("Discarding unsubmittable job %s: %s", record.Job.ID, reason))
		e.removeCompletedRecord(record)
		return
	}

	webpBytes, err := hordeapi.TranscodeToWebP(record.ImagesBase64[0])
	if err != nil {
		e.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("Discarding job %s: %v", record.Job.ID, err))
		e.removeCompletedRecord(record)
		return
	}

	if err := e.client.UploadArtifact(ctx, record.Job.R2Upload, webpBytes); err != nil {
		e.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("Failed to upload image for job %s: %v", record.Job.ID, err))
		e.metrics.submitFailures.Inc()
		return
	}

	seed, err := strconv.ParseInt(record.Job.Payload.Seed, 10, 64)
	if err != nil {
		e.logger.Log(common.ELogLevel.Warning(), fmt.Sprintf("Job %s has a non-integer seed %q", record.Job.ID, record.Job.Payload.Seed))
	}

	response, err := e.client.SubmitJob(ctx, &hordeapi.JobSubmitRequest{
		APIKey:     e.cfg.APIKey,
		ID:         record.Job.ID,
		Seed:       seed,
		Generation: "R2",
		State:      record.State,
		Censored:   *record.Censored,
	})
	if err != nil {
		e.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("Failed to submit job %s: %v", record.Job.ID, err))
		e.metrics.submitFailures.Inc()
		return
	}

	e.logger.Log(common.ELogLevel.Info(), fmt.Sprintf(
		"Submitted job %s (model: %s) for %.2f kudos.", record.Job.ID, record.Job.Model, response.Reward))
	e.metrics.jobsSubmitted.Inc()
	e.metrics.kudosEarned.Add(response.Reward)

	e.removeCompletedRecord(record)
}

func (e *Engine) removeCompletedRecord(record *CompletedJobInfo) {
	e.completedJobsLock.Lock()
	defer e.completedJobsLock.Unlock()
	for i, r := range e.completedJobs {
		if r == record {
			e.completedJobs = append(e.completedJobs[:i], e.completedJobs[i+1:]...)
			return
		}
	}
}

// validateForSubmit mirrors the safety-side validation for the submit path.
func validateForSubmit(record *CompletedJobInfo) string {
	if len(record.ImagesBase64) == 0 {
		return "record has no images"
	}
	if len(record.ImagesBase64) > 1 {
		return "multi-image jobs are not supported"
	}
	if record.Job.ID == "" {
		return "record has no job id"
	}
	if record.Job.R2Upload == "" {
		return "record has no upload url"
	}
	if !record.IsCheckedForSafety() {
		return "record has not been safety checked"
	}
	return ""
}

// apiGetUserInfo refreshes the account record. A failure here is the
// canonical signal that the dispatch API is unreachable, so it drives the
// loop-wide backoff flag.
func (e *Engine) apiGetUserInfo(ctx context.Context) {
	response, err := e.client.FindUser(ctx, e.cfg.APIKey)
	switch typed := err.(type) {
	case nil:
		e.userInfoFailed = false
		e.userInfoFailedReason = ""
	case *hordeapi.ClientError:
		e.userInfoFailed = true
		e.userInfoFailedReason = fmt.Sprintf("HTTP error (%v)", typed)
	case *hordeapi.RequestError:
		e.userInfoFailed = true
		e.userInfoFailedReason = fmt.Sprintf("API error (%v)", typed)
	default:
		e.userInfoFailed = true
		e.userInfoFailedReason = fmt.Sprintf("Unexpected error (%v)", typed)
	}

	if e.userInfoFailed {
		e.logger.Log(common.ELogLevel.Debug(), fmt.Sprintf("Failed to get user info: %s", e.userInfoFailedReason))
		return
	}

	if e.userInfo == nil {
		e.logger.Log(common.ELogLevel.Info(), fmt.Sprintf("Logged in as %s", response.Username))
	}
	e.userInfo = response

	if response.KudosDetails != nil {
		e.logger.Log(common.ELogLevel.Debug(), fmt.Sprintf("Kudos Accumulated: %.2f", response.KudosDetails.Accumulated))
		e.metrics.kudosAccumulated.Set(response.KudosDetails.Accumulated)
	}
}
