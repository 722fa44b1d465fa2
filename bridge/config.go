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

// Package bridge holds the worker's bridge configuration: everything the
// operator declares about this node before it joins the horde.
package bridge

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/aihorde/horde-image-worker/common"
)

// Config is the bridge data for one worker node. The YAML file is the single
// operator-facing configuration surface; everything else is flags or env vars.
type Config struct {
	APIKey     string `yaml:"api_key"`
	WorkerName string `yaml:"worker_name"`

	// QueueSize is the pipeline depth target. The deque is allowed to hold
	// one more job than this so a pop can land while the head is running.
	QueueSize int `yaml:"queue_size"`

	ImageModelsToLoad []string `yaml:"image_models_to_load"`

	NSFW                bool `yaml:"nsfw"`
	AllowImg2Img        bool `yaml:"allow_img2img"`
	AllowInpainting     bool `yaml:"allow_inpainting"`
	AllowPostProcessing bool `yaml:"allow_post_processing"`
	AllowControlnet     bool `yaml:"allow_controlnet"`
	AllowUnsafeIP       bool `yaml:"allow_unsafe_ip"`
	RequireUpfrontKudos bool `yaml:"require_upfront_kudos"`

	// MaxPower caps job size: max_pixels = MaxPower * 8 * 64 * 64.
	MaxPower int `yaml:"max_power"`

	MaxInferenceProcesses           int `yaml:"max_inference_processes"`
	MaxConcurrentInferenceProcesses int `yaml:"max_concurrent_inference_processes"`
	MaxSafetyProcesses              int `yaml:"max_safety_processes"`
	MaxDownloadProcesses            int `yaml:"max_download_processes"`

	TargetRAMOverheadBytes int64 `yaml:"target_ram_overhead_bytes"`

	// TargetVRAMOverheadBytes is keyed by accelerator device index.
	TargetVRAMOverheadBytes map[int]int64 `yaml:"target_vram_overhead_bytes"`

	// TotalSystemRAMBytes overrides detection; required on platforms where
	// detection is unavailable.
	TotalSystemRAMBytes int64 `yaml:"total_system_ram_bytes"`

	// The commands the orchestrator execs to start child workers. Each child
	// receives --process-id / --disk-lock / --semaphore-dir arguments and
	// speaks the framed IPC protocol on stdin/stdout.
	InferenceProcessCommand []string `yaml:"inference_process_command"`
	SafetyProcessCommand    []string `yaml:"safety_process_command"`

	// WorkDir holds the disk-lock file, the inference-semaphore slot files
	// and the run logs.
	WorkDir string `yaml:"work_dir"`

	// ModelReferencePath points at the pre-downloaded model reference
	// catalog (JSON keyed by model name).
	ModelReferencePath string `yaml:"model_reference_path"`

	LogLevel string `yaml:"log_level"`

	// MetricsListenAddr exposes Prometheus metrics when non-empty.
	MetricsListenAddr string `yaml:"metrics_listen_addr"`
}

// MaxPixels is the largest image area this worker advertises to the dispatch
// API when popping jobs.
func (c *Config) MaxPixels() int {
	return c.MaxPower * 8 * 64 * 64
}

func applyDefaults(c *Config) {
	if c.QueueSize == 0 {
		c.QueueSize = 1
	}
	if c.MaxPower == 0 {
		c.MaxPower = 8
	}
	if c.MaxInferenceProcesses == 0 {
		c.MaxInferenceProcesses = 3
	}
	if c.MaxConcurrentInferenceProcesses == 0 {
		c.MaxConcurrentInferenceProcesses = 1
	}
	if c.MaxSafetyProcesses == 0 {
		c.MaxSafetyProcesses = 1
	}
	if c.MaxDownloadProcesses == 0 {
		c.MaxDownloadProcesses = 1
	}
	if c.TargetRAMOverheadBytes == 0 {
		c.TargetRAMOverheadBytes = 2 * common.GiB
	}
	if c.WorkDir == "" {
		c.WorkDir = "."
	}
	if c.ModelReferencePath == "" {
		c.ModelReferencePath = "model_reference.json"
	}
	if c.LogLevel == "" {
		c.LogLevel = "Info"
	}
	if len(c.InferenceProcessCommand) == 0 {
		c.InferenceProcessCommand = []string{"horde-inference-process"}
	}
	if len(c.SafetyProcessCommand) == 0 {
		c.SafetyProcessCommand = []string{"horde-safety-process"}
	}
}

// Load reads, defaults and validates a bridge config file. The API key env
// var, when set, takes precedence over the file so the secret can stay out
// of config files entirely.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading bridge config %s", path)
	}

	c := &Config{}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return nil, errors.Wrapf(err, "parsing bridge config %s", path)
	}

	if key := common.GetEnvironmentVariable(common.EEnvironmentVariable.APIKey()); key != "" {
		c.APIKey = key
	}

	applyDefaults(c)

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the operator-supplied values. Violations here are
// configuration faults: the worker refuses to start rather than limp.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return errors.New("api_key is required")
	}
	if c.WorkerName == "" {
		return errors.New("worker_name is required")
	}
	if len(c.ImageModelsToLoad) == 0 {
		return errors.New("image_models_to_load must name at least one model")
	}
	if c.QueueSize < 0 {
		return errors.New("queue_size cannot be negative")
	}
	if c.MaxPower < 1 {
		return errors.New("max_power must be at least 1")
	}
	if c.MaxConcurrentInferenceProcesses > c.MaxInferenceProcesses {
		return errors.Errorf(
			"max_concurrent_inference_processes (%d) cannot exceed max_inference_processes (%d)",
			c.MaxConcurrentInferenceProcesses, c.MaxInferenceProcesses)
	}
	if c.MaxInferenceProcesses < 1 {
		return errors.New("max_inference_processes must be at least 1")
	}
	if c.MaxSafetyProcesses < 1 {
		return errors.New("max_safety_processes must be at least 1")
	}
	if c.TargetRAMOverheadBytes < 0 {
		return errors.New("target_ram_overhead_bytes cannot be negative")
	}
	var ll common.LogLevel
	if err := ll.Parse(c.LogLevel); err != nil {
		return errors.Errorf("log_level %q is not a recognized level", c.LogLevel)
	}
	return nil
}

// ParsedLogLevel assumes Validate has passed.
func (c *Config) ParsedLogLevel() common.LogLevel {
	var ll common.LogLevel
	common.PanicIfErr(ll.Parse(c.LogLevel))
	return ll
}
