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
	"os"
)

type EnvironmentVariable struct {
	Name         string
	DefaultValue string
	Description  string
	Hidden       bool
}

// GetEnvironmentVariable gets the environment variable or its default value
func GetEnvironmentVariable(env EnvironmentVariable) string {
	value := os.Getenv(env.Name)
	if value == "" {
		return env.DefaultValue
	}
	return value
}

// This array needs to be updated when a new public environment variable is added.
// Things are here, rather than in command line parameters, for one of two reasons:
// 1. They are optional and obscure (e.g. tuning parameters) or
// 2. They are authentication secrets, which we do not accept on the command line
var VisibleEnvironmentVariables = []EnvironmentVariable{
	EEnvironmentVariable.LogLocation(),
	EEnvironmentVariable.APIBaseURL(),
	EEnvironmentVariable.ControlTickInterval(),
	EEnvironmentVariable.APITickInterval(),
	EEnvironmentVariable.APIKey(),
}

var EEnvironmentVariable = EnvironmentVariable{}

func (EnvironmentVariable) LogLocation() EnvironmentVariable {
	return EnvironmentVariable{
		Name:        "HORDE_WORKER_LOG_LOCATION",
		Description: "Overrides where the worker run logs are stored, to avoid filling up a disk.",
	}
}

func (EnvironmentVariable) APIBaseURL() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "HORDE_WORKER_API_BASE_URL",
		DefaultValue: "https://aihorde.net/api",
		Description:  "Overrides the dispatch API endpoint. Intended for testing against a local horde.",
	}
}

func (EnvironmentVariable) ControlTickInterval() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "HORDE_WORKER_CONTROL_TICK_MS",
		DefaultValue: "100",
		Description:  "Milliseconds between process-control loop ticks. Tuning parameter, rarely needed.",
	}
}

func (EnvironmentVariable) APITickInterval() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "HORDE_WORKER_API_TICK_MS",
		DefaultValue: "100",
		Description:  "Milliseconds between API loop ticks. Tuning parameter, rarely needed.",
	}
}

func (EnvironmentVariable) APIKey() EnvironmentVariable {
	return EnvironmentVariable{
		Name:        "HORDE_WORKER_API_KEY",
		Description: "Dispatch API key. Takes precedence over the key in the bridge config file.",
		Hidden:      true,
	}
}
