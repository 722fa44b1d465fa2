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
	"encoding/binary"
	"encoding/json"
	"io"
	"reflect"

	"github.com/JeffreyRichter/enum/enum"
	"github.com/pkg/errors"
)

// The orchestrator and its child workers exchange typed messages over OS
// pipes: control messages flow down the child's stdin, report messages flow
// up its stdout. Both directions use the same framing: a 4-byte big-endian
// length prefix followed by a JSON body.

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EControlFlag = ControlFlag(0)

type ControlFlag uint8

func (ControlFlag) PreloadModel() ControlFlag   { return ControlFlag(0) }
func (ControlFlag) StartInference() ControlFlag { return ControlFlag(1) }
func (ControlFlag) UnloadFromVRAM() ControlFlag { return ControlFlag(2) }
func (ControlFlag) UnloadFromRAM() ControlFlag  { return ControlFlag(3) }
func (ControlFlag) EndProcess() ControlFlag     { return ControlFlag(4) }
func (ControlFlag) EvaluateSafety() ControlFlag { return ControlFlag(5) }

func (cf ControlFlag) String() string {
	return enum.StringInt(cf, reflect.TypeOf(cf))
}

func (cf *ControlFlag) Parse(s string) error {
	val, err := enum.ParseInt(reflect.TypeOf(cf), s, true, true)
	if err == nil {
		*cf = val.(ControlFlag)
	}
	return err
}

func (cf ControlFlag) MarshalJSON() ([]byte, error) {
	return json.Marshal(cf.String())
}

func (cf *ControlFlag) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return cf.Parse(s)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EReportKind = ReportKind(0)

type ReportKind uint8

func (ReportKind) ProcessStateChange() ReportKind { return ReportKind(0) }
func (ReportKind) ModelStateChange() ReportKind   { return ReportKind(1) }
func (ReportKind) ProcessMemory() ReportKind      { return ReportKind(2) }
func (ReportKind) InferenceResult() ReportKind    { return ReportKind(3) }
func (ReportKind) SafetyResult() ReportKind       { return ReportKind(4) }

func (rk ReportKind) String() string {
	return enum.StringInt(rk, reflect.TypeOf(rk))
}

func (rk *ReportKind) Parse(s string) error {
	val, err := enum.ParseInt(reflect.TypeOf(rk), s, true, true)
	if err == nil {
		*rk = val.(ReportKind)
	}
	return err
}

func (rk ReportKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(rk.String())
}

func (rk *ReportKind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return rk.Parse(s)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// ControlMessage is the tagged union sent orchestrator -> child. Only the
// fields relevant to the flag are populated.
type ControlMessage struct {
	Flag ControlFlag `json:"flag"`

	// PreloadModel, StartInference, UnloadFromVRAM, UnloadFromRAM
	ModelName string `json:"model_name,omitempty"`

	// PreloadModel
	WillLoadLoras  bool `json:"will_load_loras,omitempty"`
	SeamlessTiling bool `json:"seamless_tiling,omitempty"`

	// StartInference: the full job descriptor, forwarded opaquely.
	JobPayload json.RawMessage `json:"job_payload,omitempty"`

	// EvaluateSafety
	JobID          string          `json:"job_id,omitempty"`
	ImagesBase64   []string        `json:"images_base64,omitempty"`
	Prompt         string          `json:"prompt,omitempty"`
	CensorNSFW     bool            `json:"censor_nsfw,omitempty"`
	SFWWorker      bool            `json:"sfw_worker,omitempty"`
	ModelReference json.RawMessage `json:"model_reference,omitempty"`
}

// SafetyEvaluation is one per-image verdict inside a SafetyResult report.
type SafetyEvaluation struct {
	IsNSFW                 bool    `json:"is_nsfw"`
	IsCSAM                 bool    `json:"is_csam"`
	ReplacementImageBase64 *string `json:"replacement_image_base64,omitempty"`
}

// ReportMessage is the tagged union sent child -> orchestrator.
type ReportMessage struct {
	Kind      ReportKind `json:"kind"`
	ProcessID int        `json:"process_id"`

	// ProcessStateChange
	ProcessState ProcessState `json:"process_state,omitempty"`
	Info         string       `json:"info,omitempty"`

	// ModelStateChange
	ModelName      string         `json:"model_name,omitempty"`
	ModelLoadState ModelLoadState `json:"model_load_state,omitempty"`

	// ProcessMemory
	RAMUsageBytes  int64 `json:"ram_usage_bytes,omitempty"`
	VRAMUsageBytes int64 `json:"vram_usage_bytes,omitempty"`
	VRAMTotalBytes int64 `json:"vram_total_bytes,omitempty"`

	// InferenceResult
	JobPayload      json.RawMessage `json:"job_payload,omitempty"`
	ImagesBase64    []string        `json:"images_base64,omitempty"`
	GenerationState GenerationState `json:"generation_state,omitempty"`

	// SafetyResult
	JobID             string             `json:"job_id,omitempty"`
	SafetyEvaluations []SafetyEvaluation `json:"safety_evaluations,omitempty"`
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// maxFrameSize bounds a single IPC frame. Generated images travel base64
// encoded inside result frames, so the cap is generous.
const maxFrameSize = 256 * MiB

// WriteFrame writes one length-prefixed JSON frame.
func WriteFrame(w io.Writer, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshaling ipc frame")
	}
	if len(body) > maxFrameSize {
		return errors.Errorf("ipc frame of %d bytes exceeds the %d byte cap", len(body), maxFrameSize)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return errors.Wrap(err, "writing ipc frame length")
	}
	_, err = w.Write(body)
	return errors.Wrap(err, "writing ipc frame body")
}

// ReadFrame reads one length-prefixed JSON frame into v.
func ReadFrame(r io.Reader, v interface{}) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return err // io.EOF must pass through untouched so readers can detect child exit
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > maxFrameSize {
		return errors.Errorf("ipc frame of %d bytes exceeds the %d byte cap", size, maxFrameSize)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return errors.Wrap(err, "reading ipc frame body")
	}
	return errors.Wrap(json.Unmarshal(body, v), "unmarshaling ipc frame")
}
