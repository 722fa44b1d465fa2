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
	"github.com/aihorde/horde-image-worker/common"
	"github.com/aihorde/horde-image-worker/hordeapi"
)

// CompletedJobInfo is a job that finished inference, on its way through
// safety screening toward submission. Censored stays nil until the safety
// verdict lands; a record may not be submitted before then.
type CompletedJobInfo struct {
	Job          *hordeapi.ImageGenerateJobPopResponse
	ImagesBase64 []string
	State        common.GenerationState
	Censored     *bool
}

// IsCheckedForSafety reports whether the safety verdict has been recorded.
func (c *CompletedJobInfo) IsCheckedForSafety() bool {
	return c.Censored != nil
}

// A job descriptor lives in exactly one of these places at any instant:
// the deque (popped, waiting), jobsInProgress (inference running),
// jobsPendingSafetyCheck, jobsBeingSafetyChecked, completedJobs, or it has
// been submitted and discarded. The three mutexes on Engine guard the
// transitions; see the concurrency notes in lifecycle.go.

func removeJobByID(jobs []*hordeapi.ImageGenerateJobPopResponse, id string) ([]*hordeapi.ImageGenerateJobPopResponse, int) {
	removed := 0
	out := jobs[:0]
	for _, j := range jobs {
		if j.ID == id {
			removed++
			continue
		}
		out = append(out, j)
	}
	return out, removed
}

func containsJob(jobs []*hordeapi.ImageGenerateJobPopResponse, id string) bool {
	for _, j := range jobs {
		if j.ID == id {
			return true
		}
	}
	return false
}
