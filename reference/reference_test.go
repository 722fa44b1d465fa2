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

package reference

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aihorde/horde-image-worker/common"
)

const testCatalog = `{
	"stable_diffusion_1": {"baseline": "stable diffusion 1", "nsfw": false},
	"sd2_base": {"baseline": "stable diffusion 2 512"},
	"sd2": {"baseline": "stable diffusion 2"},
	"sdxl": {"baseline": "stable_diffusion_xl"},
	"mystery": {"baseline": "something else"}
}`

func TestParseAndLookup(t *testing.T) {
	a := assert.New(t)

	catalog, err := Parse([]byte(testCatalog))
	require.NoError(t, err)

	a.Equal(5, catalog.Len())

	record := catalog.Lookup("stable_diffusion_1")
	require.NotNil(t, record)
	a.Equal("stable_diffusion_1", record.Name)
	a.Equal(BaselineSD1, record.Baseline)
	a.Contains(string(record.Raw), `"nsfw"`) // raw bytes travel untouched

	a.Nil(catalog.Lookup("not-cataloged"))
}

func TestExpectedRAMByBaseline(t *testing.T) {
	a := assert.New(t)

	catalog, err := Parse([]byte(testCatalog))
	require.NoError(t, err)

	cases := map[string]int64{
		"stable_diffusion_1": 3 * common.GiB,
		"sd2_base":           4 * common.GiB,
		"sd2":                5 * common.GiB,
		"sdxl":               int64(5.75 * float64(common.GiB)),
	}
	for model, want := range cases {
		got, err := catalog.ExpectedRAM(model)
		require.NoError(t, err, model)
		a.Equal(want, got, model)
	}
}

func TestExpectedRAMFaults(t *testing.T) {
	a := assert.New(t)

	catalog, err := Parse([]byte(testCatalog))
	require.NoError(t, err)

	_, err = catalog.ExpectedRAM("mystery")
	a.Error(err) // unknown baseline is a configuration fault

	_, err = catalog.ExpectedRAM("not-cataloged")
	a.Error(err)
}

func TestParseRejectsGarbage(t *testing.T) {
	a := assert.New(t)

	_, err := Parse([]byte("not json"))
	a.Error(err)
}
