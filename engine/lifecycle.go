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

// Package engine is the worker's orchestrator: it owns the job pipeline and
// the fleet of child worker processes. Two cooperative loops drive it: the
// process-control loop (drain child reports, schedule preloads/inference/
// safety, manage residency) and the API loop (pop, submit, user info).
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/aihorde/horde-image-worker/bridge"
	"github.com/aihorde/horde-image-worker/common"
	"github.com/aihorde/horde-image-worker/hordeapi"
	"github.com/aihorde/horde-image-worker/reference"
)

const (
	defaultControlTickInterval = 100 * time.Millisecond
	defaultAPITickInterval     = 100 * time.Millisecond

	defaultJobPopInterval = 1 * time.Second
	errorJobPopInterval   = 5 * time.Second

	userInfoInterval      = 5 * time.Second
	userInfoFailedBackoff = 5 * time.Second

	// reportChannelDepth bounds the inbound report channel. Children block
	// on a full channel, which only happens if the control loop has stalled.
	reportChannelDepth = 1024
)

// Engine is the orchestrator state shared by the two loops. All pipeline
// mutation happens on those two goroutines under the three queue mutexes;
// child processes only ever touch the engine through the report channel.
type Engine struct {
	cfg     *bridge.Config
	catalog *reference.Catalog
	client  hordeapi.Client
	logger  common.ILogger
	metrics *engineMetrics
	spawner ProcessSpawner

	totalRAMBytes int64

	processMap ProcessMap
	modelMap   ModelMap

	reportCh chan common.ReportMessage

	jobDeque     []*hordeapi.ImageGenerateJobPopResponse
	jobDequeLock sync.Mutex

	jobsInProgress []*hordeapi.ImageGenerateJobPopResponse

	jobsPendingSafetyCheck []*CompletedJobInfo
	jobsBeingSafetyChecked []*CompletedJobInfo
	safetyCheckLock        sync.Mutex

	completedJobs     []*CompletedJobInfo
	completedJobsLock sync.Mutex

	totalNumCompletedJobs int

	controlTickInterval time.Duration
	apiTickInterval     time.Duration

	jobPopInterval time.Duration
	lastJobPopTime time.Time

	lastUserInfoTime     time.Time
	userInfo             *hordeapi.FindUserResponse
	userInfoFailed       bool
	userInfoFailedReason string

	shutdownRequested bool
	endRequested      map[int]bool
}

// NewEngine wires an engine from its collaborators. MainEngine builds the
// production set; tests inject fakes.
func NewEngine(cfg *bridge.Config, catalog *reference.Catalog, client hordeapi.Client,
	spawner ProcessSpawner, logger common.ILogger, totalRAMBytes int64) (*Engine, error) {

	if cfg.TargetRAMOverheadBytes > totalRAMBytes {
		return nil, errors.Errorf(
			"target_ram_overhead_bytes (%d) is greater than total system RAM (%d)",
			cfg.TargetRAMOverheadBytes, totalRAMBytes)
	}

	for _, modelName := range cfg.ImageModelsToLoad {
		if _, err := catalog.ExpectedRAM(modelName); err != nil {
			return nil, err
		}
	}

	e := &Engine{
		cfg:                 cfg,
		catalog:             catalog,
		client:              client,
		logger:              logger,
		metrics:             newEngineMetrics(),
		spawner:             spawner,
		totalRAMBytes:       totalRAMBytes,
		processMap:          ProcessMap{},
		modelMap:            ModelMap{},
		reportCh:            make(chan common.ReportMessage, reportChannelDepth),
		controlTickInterval: defaultControlTickInterval,
		apiTickInterval:     defaultAPITickInterval,
		jobPopInterval:      defaultJobPopInterval,
		endRequested:        map[int]bool{},
	}

	if d, err := time.ParseDuration(common.GetEnvironmentVariable(common.EEnvironmentVariable.ControlTickInterval()) + "ms"); err == nil && d > 0 {
		e.controlTickInterval = d
	}
	if d, err := time.ParseDuration(common.GetEnvironmentVariable(common.EEnvironmentVariable.APITickInterval()) + "ms"); err == nil && d > 0 {
		e.apiTickInterval = d
	}

	e.logger.Log(common.ELogLevel.Debug(), fmt.Sprintf("Total RAM: %.2f GiB", float64(totalRAMBytes)/float64(common.GiB)))
	e.logger.Log(common.ELogLevel.Debug(), fmt.Sprintf("Target RAM overhead: %.2f GiB", float64(cfg.TargetRAMOverheadBytes)/float64(common.GiB)))

	return e, nil
}

// ReportChannel is where spawner-owned reader goroutines deliver child
// messages. FIFO per child holds because each child has exactly one reader.
func (e *Engine) ReportChannel() chan<- common.ReportMessage {
	return e.reportCh
}

// TargetRAMBytesUsed is the residency budget: everything above it is fair
// game for eviction.
func (e *Engine) TargetRAMBytesUsed() int64 {
	return e.totalRAMBytes - e.cfg.TargetRAMOverheadBytes
}

func (e *Engine) processTotalRAMUsage() int64 {
	var total int64
	for _, p := range e.processMap {
		total += p.RAMUsageBytes
	}
	return total
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// StartSafetyProcesses spawns safety workers up to the configured count.
// Also safe to call after a configuration change to top the fleet back up.
func (e *Engine) StartSafetyProcesses() error {
	numToStart := e.cfg.MaxSafetyProcesses - e.processMap.NumSafetyProcesses()
	if numToStart < 0 {
		return errors.Errorf(
			"there are already %d safety processes running, but max_safety_processes is %d",
			e.processMap.NumSafetyProcesses(), e.cfg.MaxSafetyProcesses)
	}
	for i := 0; i < numToStart; i++ {
		if err := e.spawnProcess(common.EProcessKind.Safety()); err != nil {
			return err
		}
	}
	return nil
}

// StartInferenceProcesses spawns inference workers up to the configured count.
func (e *Engine) StartInferenceProcesses() error {
	numToStart := e.cfg.MaxInferenceProcesses - e.processMap.NumInferenceProcesses()
	if numToStart < 0 {
		return errors.Errorf(
			"there are already %d inference processes running, but max_inference_processes is %d",
			e.processMap.NumInferenceProcesses(), e.cfg.MaxInferenceProcesses)
	}
	for i := 0; i < numToStart; i++ {
		if err := e.spawnProcess(common.EProcessKind.Inference()); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) spawnProcess(kind common.ProcessKind) error {
	pid := len(e.processMap)
	conn, err := e.spawner.Spawn(kind, pid)
	if err != nil {
		return errors.Wrapf(err, "spawning %s process %d", kind, pid)
	}

	e.processMap[pid] = &ProcessInfo{
		ProcessID: pid,
		Kind:      kind,
		Conn:      conn,
		LastState: common.EProcessState.Starting(),
	}

	e.metrics.processesStarted.WithLabelValues(kind.String()).Inc()
	e.logger.Log(common.ELogLevel.Info(), fmt.Sprintf("Started %s process (id: %d)", kind, pid))
	return nil
}

// EndInferenceProcesses sends EndProcess to surplus idle inference workers,
// or to all of them during shutdown. A worker is only asked once.
func (e *Engine) EndInferenceProcesses() error {
	var numToEnd int
	if e.shutdownRequested {
		numToEnd = e.processMap.NumInferenceProcesses()
	} else {
		numToEnd = e.processMap.NumInferenceProcesses() - e.cfg.MaxInferenceProcesses
	}
	if numToEnd < 0 {
		return errors.Errorf(
			"there are already %d inference processes running, but max_inference_processes is %d",
			e.processMap.NumInferenceProcesses(), e.cfg.MaxInferenceProcesses)
	}

	for _, p := range e.processMap.ordered() {
		if numToEnd <= 0 {
			break
		}
		if p.Kind != common.EProcessKind.Inference() || e.endRequested[p.ProcessID] {
			continue
		}
		if !p.CanAcceptJob() {
			continue
		}
		if err := p.Conn.Send(&common.ControlMessage{Flag: common.EControlFlag.EndProcess()}); err != nil {
			e.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("Failed to send EndProcess to process %d: %v", p.ProcessID, err))
			continue
		}
		e.endRequested[p.ProcessID] = true
		e.logger.Log(common.ELogLevel.Info(), fmt.Sprintf("Ended inference process %d", p.ProcessID))
		numToEnd--
	}
	return nil
}

// endSafetyProcesses asks the safety workers to exit once no screening work
// remains. Only meaningful during shutdown.
func (e *Engine) endSafetyProcesses() {
	e.safetyCheckLock.Lock()
	pendingWork := len(e.jobsPendingSafetyCheck) > 0 || len(e.jobsBeingSafetyChecked) > 0
	e.safetyCheckLock.Unlock()
	if pendingWork {
		return
	}

	for _, p := range e.processMap.ordered() {
		if p.Kind != common.EProcessKind.Safety() || e.endRequested[p.ProcessID] {
			continue
		}
		if !p.CanAcceptJob() {
			continue
		}
		if err := p.Conn.Send(&common.ControlMessage{Flag: common.EControlFlag.EndProcess()}); err != nil {
			e.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("Failed to send EndProcess to process %d: %v", p.ProcessID, err))
			continue
		}
		e.endRequested[p.ProcessID] = true
		e.logger.Log(common.ELogLevel.Info(), fmt.Sprintf("Ended safety process %d", p.ProcessID))
	}
}

// RequestShutdown begins a cooperative drain: no more pops, workers are asked
// to end as they go idle, and Run returns once everything has wound down.
func (e *Engine) RequestShutdown() {
	e.shutdownRequested = true
}

// IsTimeForShutdown is true only when the deque and the in-progress list are
// empty and every child has reported ENDED. Records still waiting in the
// completed queue do not hold it back.
func (e *Engine) IsTimeForShutdown() bool {
	if len(e.jobsInProgress) > 0 {
		return false
	}

	e.jobDequeLock.Lock()
	dequeLen := len(e.jobDeque)
	e.jobDequeLock.Unlock()
	if dequeLen > 0 {
		return false
	}

	anyProcessAlive := false
	for _, p := range e.processMap {
		if p.LastState == common.EProcessState.Ended() {
			continue
		}
		if p.IsBusy() {
			return false
		}
		anyProcessAlive = true
	}
	return !anyProcessAlive
}

func (e *Engine) isFreeInferenceProcessAvailable() bool {
	return e.processMap.NumAvailableInferenceProcesses() > 0
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Run starts the fleet and drives both loops until shutdown completes. The
// API loop never terminates on its own; it is cancelled when the
// process-control loop decides the node is done.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.StartSafetyProcesses(); err != nil {
		return err
	}
	if err := e.StartInferenceProcesses(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel() // control loop exit ends the API loop too
		return e.processControlLoop(ctx)
	})
	g.Go(func() error {
		return e.apiCallLoop(ctx)
	})
	return g.Wait()
}

// processControlLoop is one of the two top-level loops: drain child reports,
// screen, schedule, and decide shutdown, every tick.
func (e *Engine) processControlLoop(ctx context.Context) error {
	for {
		if err := e.controlTick(); err != nil {
			return err
		}

		if e.shutdownRequested {
			if err := e.EndInferenceProcesses(); err != nil {
				return err
			}
			e.endSafetyProcesses()
		}

		if e.IsTimeForShutdown() {
			e.logger.Log(common.ELogLevel.Info(), "Shutting down process manager")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.controlTickInterval):
		}
	}
}

// controlTick holds all three queue locks, in the fixed deque -> safety ->
// completed order, for the whole tick, so API-side readers only ever observe
// the pipeline between ticks. Nothing called from here may re-acquire them.
func (e *Engine) controlTick() error {
	e.jobDequeLock.Lock()
	defer e.jobDequeLock.Unlock()
	e.safetyCheckLock.Lock()
	defer e.safetyCheckLock.Unlock()
	e.completedJobsLock.Lock()
	defer e.completedJobsLock.Unlock()

	if err := e.dispatchProcessMessages(); err != nil {
		return err
	}

	e.startEvaluateSafety()

	if e.isFreeInferenceProcessAvailable() && len(e.jobDeque) > 0 {
		e.preloadModels()
		e.startInference()
		e.unloadModels()
	}

	e.metrics.observePipeline(e)
	return nil
}
