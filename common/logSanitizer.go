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

package common

import (
	"regexp"
)

type LogSanitizer interface {
	SanitizeLogLine(raw string) string
}

// hordeLogSanitizer performs string-replacement based log redaction.
// This serves as a backstop, to help make sure that secrets don't get logged.
// The worker's only secret is the dispatch API key, which rides in request
// bodies and in config dumps; errors that quote either would otherwise leak
// it into the logs. The alternative would be to filter at every site where
// such errors may be logged, but that's less maintainable in the long term.
type hordeLogSanitizer struct{}

func NewHordeLogSanitizer() LogSanitizer {
	return &hordeLogSanitizer{}
}

const redacted = "-REDACTED-"

var (
	// apikey fields in JSON bodies and key=value dumps, any casing
	apikeyJSONPattern  = regexp.MustCompile(`(?i)("apikey"\s*:\s*)"[^"]*"`)
	apikeyFieldPattern = regexp.MustCompile(`(?i)\b(apikey|api_key)\s*[:=]\s*([^\s,"}&]+)`)
	// apikey query parameters in logged URLs
	apikeyQueryPattern = regexp.MustCompile(`(?i)([?&]apikey=)[^\s&]+`)
)

func (s *hordeLogSanitizer) SanitizeLogLine(raw string) string {
	raw = apikeyJSONPattern.ReplaceAllString(raw, `${1}"`+redacted+`"`)
	raw = apikeyFieldPattern.ReplaceAllString(raw, `${1}: `+redacted)
	raw = apikeyQueryPattern.ReplaceAllString(raw, `${1}`+redacted)
	return raw
}
