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
	"github.com/pkg/errors"

	"github.com/aihorde/horde-image-worker/common"
)

// ModelEntry records where one model's weights live and which worker owns
// that residency. Models enter the map on first reference and never leave it;
// an evicted model sits at OnDisk until it is preloaded again.
type ModelEntry struct {
	Name      string
	LoadState common.ModelLoadState
	ProcessID int
}

// ModelMap tracks residency per model name.
type ModelMap map[string]*ModelEntry

// UpdateEntry upserts a model entry. Adding a previously unknown model
// requires both a load state and an owning process.
func (mm ModelMap) UpdateEntry(modelName string, loadState *common.ModelLoadState, processID *int) error {
	entry, known := mm[modelName]
	if !known {
		if loadState == nil {
			return errors.Errorf("a load state must be provided when adding model %q to the map", modelName)
		}
		if processID == nil {
			return errors.Errorf("a process id must be provided when adding model %q to the map", modelName)
		}
		mm[modelName] = &ModelEntry{
			Name:      modelName,
			LoadState: *loadState,
			ProcessID: *processID,
		}
		return nil
	}

	if loadState != nil {
		entry.LoadState = *loadState
	}
	if processID != nil {
		entry.ProcessID = *processID
	}
	return nil
}

func (mm ModelMap) IsModelLoaded(modelName string) bool {
	entry, known := mm[modelName]
	if !known {
		return false
	}
	return entry.LoadState.IsLoaded()
}

func (mm ModelMap) IsModelLoading(modelName string) bool {
	entry, known := mm[modelName]
	if !known {
		return false
	}
	return entry.LoadState == common.EModelLoadState.Loading()
}
