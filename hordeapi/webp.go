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

package hordeapi

import (
	"bytes"
	"encoding/base64"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/gen2brain/webp"
	"github.com/pkg/errors"
)

// webpQuality and webpMethod match what the horde expects uploaded: a good
// size/fidelity trade at the highest-effort encode.
const (
	webpQuality = 95
	webpMethod  = 6
)

// TranscodeToWebP decodes a child's base64 image output and re-encodes it as
// WebP for upload. Children emit PNG; the decode is format-sniffed so a
// JPEG-producing child keeps working too.
func TranscodeToWebP(imageBase64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(imageBase64)
	if err != nil {
		return nil, errors.Wrap(err, "decoding image base64")
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "decoding image")
	}

	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, webp.Options{Quality: webpQuality, Method: webpMethod}); err != nil {
		return nil, errors.Wrap(err, "encoding webp")
	}
	return buf.Bytes(), nil
}
