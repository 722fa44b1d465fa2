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

	"github.com/aihorde/horde-image-worker/common"
	"github.com/aihorde/horde-image-worker/hordeapi"
)

// The scheduler runs once per control tick, after the dispatcher. Safety
// dispatch comes first; preload, start inference and RAM eviction follow, in
// that order, only on ticks where the deque holds a job and an inference
// worker is free. With an empty deque nothing is evicted.

// preloadModels warms models for upcoming deque jobs. Scanning left to
// right, models already loaded or loading count against worker capacity;
// the first uncovered model is preloaded on the first available worker. At
// most one preload is dispatched per tick, so model-file reads stay paced
// behind the shared disk lock.
func (e *Engine) preloadModels() {
	numAlreadyLoadedModels := 0
	for _, job := range e.jobDeque {
		if job.Model == "" {
			e.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("Job %s has no model", job.ID))
			continue
		}

		if e.modelMap.IsModelLoaded(job.Model) || e.modelMap.IsModelLoading(job.Model) {
			numAlreadyLoadedModels++
			continue
		}

		if numAlreadyLoadedModels >= e.processMap.NumInferenceProcesses() {
			break
		}

		availableProcess := e.processMap.FirstAvailableInferenceProcess()
		if availableProcess == nil {
			return
		}

		e.logger.Log(common.ELogLevel.Debug(), fmt.Sprintf("Preloading model %s on process %d", job.Model, availableProcess.ProcessID))

		err := availableProcess.Conn.Send(&common.ControlMessage{
			Flag:           common.EControlFlag.PreloadModel(),
			ModelName:      job.Model,
			WillLoadLoras:  len(job.Payload.Loras) > 0,
			SeamlessTiling: job.Payload.Tiling,
		})
		if err != nil {
			e.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("Failed to send PreloadModel to process %d: %v", availableProcess.ProcessID, err))
			return
		}

		loading := common.EModelLoadState.Loading()
		pid := availableProcess.ProcessID
		if err := e.modelMap.UpdateEntry(job.Model, &loading, &pid); err != nil {
			e.logger.Log(common.ELogLevel.Warning(), fmt.Sprintf("Model map update rejected: %v", err))
		}
		// the residency claim moves with the preload; a model being loaded
		// displaces whatever the worker held before
		availableProcess.LoadedModelName = job.Model

		break
	}
}

// startInference hands the next runnable deque job to the worker holding its
// model. Before the handoff, every other idle worker holding a VRAM-resident
// model is told to spill it, so the incoming forward pass has the accelerator
// to itself.
func (e *Engine) startInference() {
	if len(e.jobsInProgress) >= e.cfg.MaxConcurrentInferenceProcesses {
		return
	}

	var nextJob *hordeapi.ImageGenerateJobPopResponse
	for _, job := range e.jobDeque {
		if containsJob(e.jobsInProgress, job.ID) {
			continue
		}
		nextJob = job
		break
	}
	if nextJob == nil {
		return
	}

	if nextJob.Model == "" {
		e.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("Job %s has no model", nextJob.ID))
		return
	}

	if !e.modelMap.IsModelLoaded(nextJob.Model) {
		return
	}

	processWithModel := e.processMap.ProcessByModelName(nextJob.Model)
	if processWithModel == nil {
		e.logger.Log(common.ELogLevel.Error(), fmt.Sprintf(
			"Expected to find a process with model %s but none was found", nextJob.Model))
		return
	}
	if !processWithModel.CanAcceptJob() {
		return
	}

	// Spill VRAM everywhere else before this worker takes the accelerator.
	for _, p := range e.processMap.ordered() {
		if p.ProcessID == processWithModel.ProcessID {
			continue
		}
		if p.IsBusy() || p.LoadedModelName == "" {
			continue
		}
		if entry := e.modelMap[p.LoadedModelName]; entry == nil || entry.LoadState != common.EModelLoadState.LoadedInVRAM() {
			continue
		}
		if err := p.Conn.Send(&common.ControlMessage{
			Flag:      common.EControlFlag.UnloadFromVRAM(),
			ModelName: p.LoadedModelName,
		}); err != nil {
			e.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("Failed to send UnloadFromVRAM to process %d: %v", p.ProcessID, err))
		}
	}

	jobPayload, err := json.Marshal(nextJob)
	if err != nil {
		e.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("Failed to marshal job %s: %v", nextJob.ID, err))
		return
	}

	if err := processWithModel.Conn.Send(&common.ControlMessage{
		Flag:       common.EControlFlag.StartInference(),
		ModelName:  nextJob.Model,
		JobPayload: jobPayload,
	}); err != nil {
		e.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("Failed to send StartInference to process %d: %v", processWithModel.ProcessID, err))
		return
	}

	e.jobsInProgress = append(e.jobsInProgress, nextJob)
}

// unloadFromRAM pushes one worker's resident model all the way to disk.
func (e *Engine) unloadFromRAM(processID int) {
	process, known := e.processMap[processID]
	if !known {
		e.logger.Log(common.ELogLevel.Warning(), fmt.Sprintf("Cannot unload from unknown process %d", processID))
		return
	}
	if process.LoadedModelName == "" {
		e.logger.Log(common.ELogLevel.Warning(), fmt.Sprintf("Process %d has no model to unload", processID))
		return
	}
	if !e.modelMap.IsModelLoaded(process.LoadedModelName) {
		e.logger.Log(common.ELogLevel.Warning(), fmt.Sprintf(
			"Process %d reports model %s resident but the model map disagrees", processID, process.LoadedModelName))
		return
	}

	if err := process.Conn.Send(&common.ControlMessage{
		Flag:      common.EControlFlag.UnloadFromRAM(),
		ModelName: process.LoadedModelName,
	}); err != nil {
		e.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("Failed to send UnloadFromRAM to process %d: %v", processID, err))
		return
	}

	onDisk := common.EModelLoadState.OnDisk()
	if err := e.modelMap.UpdateEntry(process.LoadedModelName, &onDisk, &processID); err != nil {
		e.logger.Log(common.ELogLevel.Warning(), fmt.Sprintf("Model map update rejected: %v", err))
	}
	process.LoadedModelName = ""
}

// unloadModels evicts idle residency once observed RAM usage exceeds the
// budget. A model stays resident while it is still loading or while it is
// among the next max-concurrent distinct models in the deque; there is no
// hysteresis, the condition is simply re-evaluated every tick.
func (e *Engine) unloadModels() {
	for _, process := range e.processMap.ordered() {
		if process.IsBusy() || process.LoadedModelName == "" {
			continue
		}
		if e.modelMap.IsModelLoading(process.LoadedModelName) {
			continue
		}

		nextModels := make(map[string]bool)
		for _, job := range e.jobDeque {
			if len(nextModels) >= e.cfg.MaxConcurrentInferenceProcesses {
				break
			}
			if job.Model == "" {
				e.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("Job %s has no model", job.ID))
				continue
			}
			nextModels[job.Model] = true
		}
		if nextModels[process.LoadedModelName] {
			continue
		}

		if e.processTotalRAMUsage() > e.TargetRAMBytesUsed() {
			e.unloadFromRAM(process.ProcessID)
		}
	}
}

// startEvaluateSafety hands the oldest unscreened record to a safety worker.
// One evaluation per tick, which matches classifier latency well enough that
// batching has never been worth it. The caller holds the queue locks.
func (e *Engine) startEvaluateSafety() {
	if len(e.jobsPendingSafetyCheck) == 0 {
		return
	}

	safetyProcess := e.processMap.FirstAvailableSafetyProcess()
	if safetyProcess == nil {
		return
	}

	record := e.jobsPendingSafetyCheck[0]
	if reason := e.validateForSafety(record); reason != "" {
		// A malformed record would wedge the queue head forever; fault it
		// through to the completed queue instead so it gets reported.
		e.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("Dropping job %s from safety screening: %s", record.Job.ID, reason))
		e.jobsPendingSafetyCheck = e.jobsPendingSafetyCheck[1:]
		record.State = common.EGenerationState.Faulted()
		censored := false
		record.Censored = &censored
		e.completedJobs = append(e.completedJobs, record)
		return
	}

	modelRecord := e.catalog.Lookup(record.Job.Model)

	e.jobsPendingSafetyCheck = e.jobsPendingSafetyCheck[1:]
	e.jobsBeingSafetyChecked = append(e.jobsBeingSafetyChecked, record)

	if err := safetyProcess.Conn.Send(&common.ControlMessage{
		Flag:           common.EControlFlag.EvaluateSafety(),
		JobID:          record.Job.ID,
		ImagesBase64:   record.ImagesBase64,
		Prompt:         record.Job.Payload.Prompt,
		CensorNSFW:     record.Job.Payload.UseNSFWCensor,
		SFWWorker:      !e.cfg.NSFW,
		ModelReference: modelRecord.Raw,
	}); err != nil {
		e.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("Failed to send EvaluateSafety to process %d: %v", safetyProcess.ProcessID, err))
		// put it back so the next tick retries
		e.jobsBeingSafetyChecked = e.jobsBeingSafetyChecked[:len(e.jobsBeingSafetyChecked)-1]
		e.jobsPendingSafetyCheck = append([]*CompletedJobInfo{record}, e.jobsPendingSafetyCheck...)
	}
}

// validateForSafety returns a reason string when the record cannot be
// screened, empty when it can. Multi-image jobs are rejected here until the
// batch path is supported end to end.
func (e *Engine) validateForSafety(record *CompletedJobInfo) string {
	if len(record.ImagesBase64) == 0 {
		return "record has no images"
	}
	if len(record.ImagesBase64) > 1 {
		return "multi-image jobs are not supported"
	}
	if record.Job.ID == "" {
		return "record has no job id"
	}
	if record.Job.Model == "" {
		return "record has no model"
	}
	if record.Job.Payload.Prompt == "" {
		return "record has no prompt"
	}
	if e.catalog.Lookup(record.Job.Model) == nil {
		return fmt.Sprintf("model %s is not in the reference catalog", record.Job.Model)
	}
	return ""
}
