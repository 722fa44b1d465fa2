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

package cmd

const rootCmdShortDescription = "horde-worker runs an image-generation node on the AI Horde."

const rootCmdLongDescription = `horde-worker pulls image-generation jobs from the horde's dispatch API,
runs them across a pool of local inference processes, screens the results
for disallowed content, and submits the finished artifacts back for kudos.

Configuration lives in a bridge config YAML file (see --config).`

const runCmdShortDescription = "Start the worker and process jobs until interrupted."

const runCmdLongDescription = `Starts the safety and inference processes, then runs the job pipeline:
pop, preload, infer, safety-check, upload, submit.

A first interrupt (Ctrl-C) drains gracefully: no new jobs are popped, running
jobs finish and are screened, child processes are asked to end. The worker
exits once every child has ended; it does not wait for finished jobs still
queued for upload. A second interrupt exits immediately.`

const envCmdShortDescription = "Shows the environment variables that can configure the worker's behavior."

const envCmdLongDescription = envCmdShortDescription + ` These are tuning
parameters and secrets that deliberately stay off the command line.`

const validateCmdShortDescription = "Validates a bridge config file without starting the worker."

const validateCmdLongDescription = validateCmdShortDescription + ` Prints the
first violation found, or confirms the config is usable.`
