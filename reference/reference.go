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

// Package reference reads the static model-reference catalog. The catalog is
// downloaded before the worker starts (out of scope here); this package only
// loads it once and answers lookups. It is immutable after Load.
package reference

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/aihorde/horde-image-worker/common"
)

// Record is one model's catalog entry: the baseline family drives RAM
// budgeting, and the raw bytes are forwarded verbatim to safety workers,
// whose thresholds depend on fields we never interpret.
type Record struct {
	Name     string
	Baseline string
	Raw      json.RawMessage
}

// Catalog maps model name to record.
type Catalog struct {
	records map[string]*Record
}

// Load reads a JSON catalog keyed by model name. Each value must carry at
// least a "baseline" field.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading model reference catalog %s", path)
	}
	return Parse(raw)
}

// Parse builds a catalog from raw JSON. Split from Load for tests.
func Parse(raw []byte) (*Catalog, error) {
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errors.Wrap(err, "parsing model reference catalog")
	}

	c := &Catalog{records: make(map[string]*Record, len(entries))}
	for name, entry := range entries {
		var fields struct {
			Baseline string `json:"baseline"`
		}
		if err := json.Unmarshal(entry, &fields); err != nil {
			return nil, errors.Wrapf(err, "parsing catalog record %q", name)
		}
		c.records[name] = &Record{
			Name:     name,
			Baseline: fields.Baseline,
			Raw:      entry,
		}
	}
	return c, nil
}

// Lookup returns the record for a model, or nil when the catalog has none.
func (c *Catalog) Lookup(modelName string) *Record {
	return c.records[modelName]
}

// Len reports the number of cataloged models.
func (c *Catalog) Len() int {
	return len(c.records)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Baseline families recognized for RAM budgeting.
const (
	BaselineSD1    = "stable diffusion 1"
	BaselineSD2512 = "stable diffusion 2 512"
	BaselineSD2768 = "stable diffusion 2"
	BaselineSDXL   = "stable_diffusion_xl"
)

// ExpectedRAM predicts the system-RAM footprint of a model by its baseline
// family. An unknown baseline is a configuration fault: the catalog and the
// worker disagree about the world, so the caller must treat this as fatal.
func (c *Catalog) ExpectedRAM(modelName string) (int64, error) {
	record := c.Lookup(modelName)
	if record == nil {
		return 0, errors.Errorf("model %q is not in the reference catalog", modelName)
	}

	switch record.Baseline {
	case BaselineSD1:
		return 3 * common.GiB, nil
	case BaselineSD2512:
		return 4 * common.GiB, nil
	case BaselineSD2768:
		return 5 * common.GiB, nil
	case BaselineSDXL:
		return int64(5.75 * float64(common.GiB)), nil
	}
	return 0, errors.Errorf("model %q has an unknown baseline %q", modelName, record.Baseline)
}
