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
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/aihorde/horde-image-worker/common"
	"github.com/aihorde/horde-image-worker/hordeapi"
)

// dispatchProcessMessages drains the report channel until it is empty. It is
// the only writer of process states and reported memory figures, and the only
// message-driven writer of resident-model fields (the scheduler also sets them
// at preload and clears them at RAM eviction). The caller holds all three
// queue locks.
//
// A failure while handling one message must not drop its siblings, so
// per-message problems are logged and the drain continues; only an unknown
// process id aborts, since that means the registry and the fleet disagree.
func (e *Engine) dispatchProcessMessages() error {
	for {
		select {
		case msg := <-e.reportCh:
			if err := e.handleProcessMessage(&msg); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (e *Engine) handleProcessMessage(msg *common.ReportMessage) error {
	e.logger.Log(common.ELogLevel.Debug(), fmt.Sprintf("Received %s from process %d", msg.Kind, msg.ProcessID))

	if _, known := e.processMap[msg.ProcessID]; !known {
		return errors.Errorf("received a %s message from an unknown process %d", msg.Kind, msg.ProcessID)
	}

	switch msg.Kind {
	case common.EReportKind.ProcessStateChange():
		e.handleProcessStateChange(msg)
	case common.EReportKind.ModelStateChange():
		e.handleModelStateChange(msg)
	case common.EReportKind.ProcessMemory():
		e.handleProcessMemory(msg)
	case common.EReportKind.InferenceResult():
		e.handleInferenceResult(msg)
	case common.EReportKind.SafetyResult():
		e.handleSafetyResult(msg)
	default:
		e.logger.Log(common.ELogLevel.Warning(), fmt.Sprintf("Ignoring unrecognized report kind %d from process %d", msg.Kind, msg.ProcessID))
	}
	return nil
}

func (e *Engine) handleProcessStateChange(msg *common.ReportMessage) {
	e.processMap[msg.ProcessID].LastState = msg.ProcessState

	e.logger.Log(common.ELogLevel.Debug(), fmt.Sprintf("Process %d changed state to %s", msg.ProcessID, msg.ProcessState))
	if msg.ProcessState == common.EProcessState.InferenceStarting() {
		e.logger.Log(common.ELogLevel.Info(), fmt.Sprintf("Process %d is starting inference on model %s", msg.ProcessID, msg.Info))
	}
}

func (e *Engine) handleModelStateChange(msg *common.ReportMessage) {
	loadState := msg.ModelLoadState
	pid := msg.ProcessID
	if err := e.modelMap.UpdateEntry(msg.ModelName, &loadState, &pid); err != nil {
		e.logger.Log(common.ELogLevel.Warning(), fmt.Sprintf("Model map update rejected: %v", err))
		return
	}

	process := e.processMap[pid]
	if loadState.IsLoaded() {
		if process.LoadedModelName != msg.ModelName {
			e.logger.Log(common.ELogLevel.Info(), fmt.Sprintf("Process %d loaded model %s", pid, msg.ModelName))
		}
		process.LoadedModelName = msg.ModelName
	} else if loadState == common.EModelLoadState.OnDisk() {
		process.LoadedModelName = ""
		e.logger.Log(common.ELogLevel.Info(), fmt.Sprintf("Process %d unloaded model %s", pid, msg.ModelName))
	}
}

func (e *Engine) handleProcessMemory(msg *common.ReportMessage) {
	process := e.processMap[msg.ProcessID]
	process.RAMUsageBytes = msg.RAMUsageBytes
	process.VRAMUsageBytes = msg.VRAMUsageBytes
	process.VRAMTotalBytes = msg.VRAMTotalBytes
}

// handleInferenceResult retires the deque head. The in-progress entry is
// matched by id; a mismatch between the two is repaired best-effort and
// logged, never fatal.
func (e *Engine) handleInferenceResult(msg *common.ReportMessage) {
	if len(msg.ImagesBase64) == 0 {
		e.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("Received an inference result from process %d with no images", msg.ProcessID))
		return
	}

	var job hordeapi.ImageGenerateJobPopResponse
	if err := json.Unmarshal(msg.JobPayload, &job); err != nil {
		e.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("Received an inference result with an unreadable job payload: %v", err))
		return
	}

	numInProgress := len(e.jobsInProgress)
	var removed int
	e.jobsInProgress, removed = removeJobByID(e.jobsInProgress, job.ID)
	if removed != 1 {
		e.logger.Log(common.ELogLevel.Warning(), fmt.Sprintf(
			"Expected to remove 1 job from the jobs in progress, but removed %d (had %d)", removed, numInProgress))
	}

	if len(e.jobDeque) == 0 {
		e.logger.Log(common.ELogLevel.Warning(), fmt.Sprintf(
			"Inference result for job %s arrived with an empty job deque", job.ID))
	} else {
		e.jobDeque = e.jobDeque[1:]
	}

	e.totalNumCompletedJobs++
	e.metrics.inferenceCompleted.Inc()
	e.logger.Log(common.ELogLevel.Info(), fmt.Sprintf("Inference finished for job %s", job.ID))

	e.jobsPendingSafetyCheck = append(e.jobsPendingSafetyCheck, &CompletedJobInfo{
		Job:          &job,
		ImagesBase64: msg.ImagesBase64,
		State:        msg.GenerationState,
	})
}

// handleSafetyResult applies the per-image verdicts and moves the record to
// the completed queue. Replacement images substitute censored output in
// place; the record's state is upgraded to the worst verdict observed.
func (e *Engine) handleSafetyResult(msg *common.ReportMessage) {
	var record *CompletedJobInfo
	for i, job := range e.jobsBeingSafetyChecked {
		if job.Job.ID == msg.JobID {
			record = job
			e.jobsBeingSafetyChecked = append(e.jobsBeingSafetyChecked[:i], e.jobsBeingSafetyChecked[i+1:]...)
			break
		}
	}
	if record == nil {
		e.logger.Log(common.ELogLevel.Warning(), fmt.Sprintf(
			"Expected to find a job with id %s being safety checked, but none was found", msg.JobID))
		return
	}

	if len(msg.SafetyEvaluations) != len(record.ImagesBase64) {
		e.logger.Log(common.ELogLevel.Warning(), fmt.Sprintf(
			"Safety result for job %s has %d evaluations for %d images", msg.JobID, len(msg.SafetyEvaluations), len(record.ImagesBase64)))
	}

	numImagesCensored := 0
	numImagesCSAM := 0
	for i := range record.ImagesBase64 {
		if i >= len(msg.SafetyEvaluations) {
			break
		}
		evaluation := msg.SafetyEvaluations[i]
		if evaluation.ReplacementImageBase64 != nil {
			record.ImagesBase64[i] = *evaluation.ReplacementImageBase64
			numImagesCensored++
			if evaluation.IsCSAM {
				numImagesCSAM++
			}
		}
	}

	e.logger.Log(common.ELogLevel.Info(), fmt.Sprintf("Job %s had %d images censored", msg.JobID, numImagesCensored))

	censored := numImagesCensored > 0
	record.Censored = &censored
	if numImagesCSAM > 0 {
		record.State = common.EGenerationState.Csam()
		e.metrics.imagesCSAM.Add(float64(numImagesCSAM))
	} else if censored {
		record.State = common.EGenerationState.Censored()
	}
	if censored {
		e.metrics.imagesCensored.Add(float64(numImagesCensored))
	}

	e.completedJobs = append(e.completedJobs, record)
}
