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
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/aihorde/horde-image-worker/bridge"
	"github.com/aihorde/horde-image-worker/common"
)

// ProcessSpawner starts one child worker and returns the orchestrator's half
// of its control channel. The production spawner execs the configured child
// command; tests substitute scripted fakes.
type ProcessSpawner interface {
	Spawn(kind common.ProcessKind, processID int) (ProcessConnection, error)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// pipeConnection frames control messages onto a child's stdin.
type pipeConnection struct {
	mu    sync.Mutex
	stdin io.WriteCloser
}

func (p *pipeConnection) Send(msg *common.ControlMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return common.WriteFrame(p.stdin, msg)
}

func (p *pipeConnection) Close() error {
	return p.stdin.Close()
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// execSpawner runs child workers as OS processes. Each child gets the shared
// disk-lock path and the inference-semaphore slot directory on its command
// line; both are plain files the children coordinate on with flock, so the
// orchestrator never has to touch them at runtime.
type execSpawner struct {
	cfg          *bridge.Config
	reportCh     chan<- common.ReportMessage
	logger       common.ILogger
	diskLockPath string
	semaphoreDir string
}

// NewExecSpawner prepares the shared on-disk primitives and returns the
// production spawner.
func NewExecSpawner(cfg *bridge.Config, reportCh chan<- common.ReportMessage, logger common.ILogger) (ProcessSpawner, error) {
	diskLockPath := filepath.Join(cfg.WorkDir, "disk.lock")
	semaphoreDir := filepath.Join(cfg.WorkDir, "inference-semaphore")

	if err := os.MkdirAll(semaphoreDir, 0755); err != nil {
		return nil, errors.Wrap(err, "creating inference semaphore directory")
	}
	for i := 0; i < cfg.MaxConcurrentInferenceProcesses; i++ {
		slot := filepath.Join(semaphoreDir, fmt.Sprintf("slot-%d.lock", i))
		if err := touchFile(slot); err != nil {
			return nil, errors.Wrapf(err, "creating semaphore slot %d", i)
		}
	}
	if err := touchFile(diskLockPath); err != nil {
		return nil, errors.Wrap(err, "creating disk lock file")
	}

	return &execSpawner{
		cfg:          cfg,
		reportCh:     reportCh,
		logger:       logger,
		diskLockPath: diskLockPath,
		semaphoreDir: semaphoreDir,
	}, nil
}

func touchFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, common.DEFAULT_FILE_PERM)
	if err != nil {
		return err
	}
	return f.Close()
}

func (s *execSpawner) Spawn(kind common.ProcessKind, processID int) (ProcessConnection, error) {
	var command []string
	switch kind {
	case common.EProcessKind.Inference():
		command = s.cfg.InferenceProcessCommand
	case common.EProcessKind.Safety():
		command = s.cfg.SafetyProcessCommand
	default:
		return nil, errors.Errorf("no child command is configured for %s processes", kind)
	}

	args := append(append([]string{}, command[1:]...),
		"--process-id", strconv.Itoa(processID),
		"--disk-lock", s.diskLockPath,
		"--semaphore-dir", s.semaphoreDir,
	)

	cmd := exec.Command(command[0], args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "opening child stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "opening child stdout")
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "starting %s", command[0])
	}

	go s.readReports(processID, stdout)
	go func() {
		// reap; the exit itself is observed through the ENDED state report
		if err := cmd.Wait(); err != nil {
			s.logger.Log(common.ELogLevel.Debug(), fmt.Sprintf("Process %d exited: %v", processID, err))
		}
	}()

	return &pipeConnection{stdin: stdin}, nil
}

// readReports is the single reader for one child's stdout, which is what
// keeps report delivery FIFO per sender.
func (s *execSpawner) readReports(processID int, stdout io.Reader) {
	for {
		var msg common.ReportMessage
		if err := common.ReadFrame(stdout, &msg); err != nil {
			if err != io.EOF {
				s.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("Reading reports from process %d: %v", processID, err))
			}
			return
		}
		s.reportCh <- msg
	}
}
