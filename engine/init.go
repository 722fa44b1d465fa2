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

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/aihorde/horde-image-worker/bridge"
	"github.com/aihorde/horde-image-worker/common"
	"github.com/aihorde/horde-image-worker/hordeapi"
	"github.com/aihorde/horde-image-worker/reference"
)

// MainEngine wires the production engine: detected RAM, the real dispatch
// client, and the exec-based process spawner. Startup here is where
// configuration faults surface; the CLI exits on any error returned.
func MainEngine(cfg *bridge.Config, logger common.ILogger) (*Engine, error) {
	// a fresh id per run; restart is cold, so this is the only thing tying a
	// log file back to one process lifetime
	logger.Log(common.ELogLevel.Info(), fmt.Sprintf("Worker %s starting, run id %s", common.WorkerVersion, uuid.NewString()))

	catalog, err := reference.Load(cfg.ModelReferencePath)
	if err != nil {
		return nil, err
	}

	totalRAM := cfg.TotalSystemRAMBytes
	if totalRAM == 0 {
		totalRAM, err = common.TotalSystemRAM()
		if err != nil {
			return nil, errors.Wrap(err, "detecting total system RAM")
		}
	}

	client := hordeapi.NewClient("")

	// The spawner needs the report channel before the engine exists, so the
	// channel is created here and shared.
	reportCh := make(chan common.ReportMessage, reportChannelDepth)
	spawner, err := NewExecSpawner(cfg, reportCh, logger)
	if err != nil {
		return nil, err
	}

	e, err := NewEngine(cfg, catalog, client, spawner, logger, totalRAM)
	if err != nil {
		return nil, err
	}
	e.reportCh = reportCh

	if cfg.MetricsListenAddr != "" {
		go func() {
			if err := e.ServeMetrics(cfg.MetricsListenAddr); err != nil {
				logger.Log(common.ELogLevel.Error(), fmt.Sprintf("Metrics listener failed: %v", err))
			}
		}()
	}

	return e, nil
}
