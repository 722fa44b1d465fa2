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

// Package hordeapi is the client for the dispatch API: popping generation
// jobs, submitting finished artifacts, and account lookups.
package hordeapi

import (
	"fmt"

	"github.com/aihorde/horde-image-worker/common"
)

// LoraEntry names one LoRA the job wants applied on top of the base model.
type LoraEntry struct {
	Name      string  `json:"name"`
	Model     float64 `json:"model,omitempty"`
	Clip      float64 `json:"clip,omitempty"`
	Inject    string  `json:"inject_trigger,omitempty"`
	IsVersion bool    `json:"is_version,omitempty"`
}

// JobPayload carries the generation parameters. The orchestrator treats it as
// near-opaque: it only reads the fields that drive scheduling and safety.
type JobPayload struct {
	Prompt         string      `json:"prompt"`
	Seed           string      `json:"seed,omitempty"`
	Width          int         `json:"width,omitempty"`
	Height         int         `json:"height,omitempty"`
	Steps          int         `json:"ddim_steps,omitempty"`
	CfgScale       float64     `json:"cfg_scale,omitempty"`
	SamplerName    string      `json:"sampler_name,omitempty"`
	NIter          int         `json:"n_iter,omitempty"`
	Karras         bool        `json:"karras,omitempty"`
	Tiling         bool        `json:"tiling,omitempty"`
	HiresFix       bool        `json:"hires_fix,omitempty"`
	ClipSkip       int         `json:"clip_skip,omitempty"`
	Loras          []LoraEntry `json:"loras,omitempty"`
	PostProcessing []string    `json:"post_processing,omitempty"`
	UseNSFWCensor  bool        `json:"use_nsfw_censor,omitempty"`
}

// ImageGenerateJobPopRequest declares this worker's capabilities and limits
// to the dispatch API.
type ImageGenerateJobPopRequest struct {
	APIKey              string   `json:"-"` // rides in the apikey header, never the body
	Name                string   `json:"name"`
	BridgeAgent         string   `json:"bridge_agent"`
	BridgeVersion       int      `json:"bridge_version"`
	Models              []string `json:"models"`
	NSFW                bool     `json:"nsfw"`
	Threads             int      `json:"threads"`
	MaxPixels           int      `json:"max_pixels"`
	RequireUpfrontKudos bool     `json:"require_upfront_kudos"`
	AllowImg2Img        bool     `json:"allow_img2img"`
	AllowPainting       bool     `json:"allow_painting"`
	AllowUnsafeIPAddr   bool     `json:"allow_unsafe_ipaddr"`
	AllowPostProcessing bool     `json:"allow_post_processing"`
	AllowControlnet     bool     `json:"allow_controlnet"`
	AllowLora           bool     `json:"allow_lora"`
}

// SkippedBreakdown explains why the dispatch API held jobs back from this
// worker on a no-job pop.
type SkippedBreakdown map[string]int

// ImageGenerateJobPopResponse is either a job (ID non-empty) or a no-job
// response with a skipped breakdown.
type ImageGenerateJobPopResponse struct {
	ID       string           `json:"id,omitempty"`
	Model    string           `json:"model,omitempty"`
	Payload  JobPayload       `json:"payload,omitempty"`
	R2Upload string           `json:"r2_upload,omitempty"`
	Skipped  SkippedBreakdown `json:"skipped,omitempty"`
}

// HasJob reports whether the pop actually returned work.
func (r *ImageGenerateJobPopResponse) HasJob() bool {
	return r.ID != ""
}

// JobSubmitRequest reports a finished generation. Generation is always "R2":
// the artifact was uploaded to the presigned URL, not inlined here.
type JobSubmitRequest struct {
	APIKey     string                 `json:"-"`
	ID         string                 `json:"id"`
	Seed       int64                  `json:"seed"`
	Generation string                 `json:"generate"`
	State      common.GenerationState `json:"state"`
	Censored   bool                   `json:"censored"`
}

// JobSubmitResponse carries the kudos reward.
type JobSubmitResponse struct {
	Reward float64 `json:"reward"`
}

type KudosDetails struct {
	Accumulated float64 `json:"accumulated"`
	Gifted      float64 `json:"gifted"`
	Received    float64 `json:"received"`
}

// FindUserResponse is the account record of the API key's owner.
type FindUserResponse struct {
	Username     string        `json:"username"`
	ID           int           `json:"id"`
	Kudos        float64       `json:"kudos"`
	KudosDetails *KudosDetails `json:"kudos_details,omitempty"`
	WorkerCount  int           `json:"worker_count"`
	Trusted      bool          `json:"trusted"`
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// RequestError is a structured error response from the dispatch API (the
// request reached the service and was rejected).
type RequestError struct {
	StatusCode int
	Message    string `json:"message"`
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("dispatch API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// ClientError is a transport-level failure: the request never produced a
// usable response (connection reset, DNS failure, timeout).
type ClientError struct {
	Op  string
	Err error
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ClientError) Unwrap() error { return e.Err }
