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
	"fmt"
	"log"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"
	"time"
)

type ILogger interface {
	ShouldLog(level LogLevel) bool
	Log(level LogLevel, msg string)
	Panic(err error)
}

type ILoggerCloser interface {
	ILogger
	CloseLog()
}

type ILoggerResetable interface {
	OpenLog()
	MinimumLogLevel() LogLevel
	ILoggerCloser
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

const maxLogSize = 500 * MiB

// keepRotatedLogs bounds how many rotated-out log files stay on disk. A
// worker can run for weeks; without a cap the rotation itself becomes the
// disk-filler it exists to prevent.
const keepRotatedLogs = 5

// logFile is the sink behind workerLogger. The logger emits one line per
// Write (log.Logger calls Write exactly once per Println), so rotation is
// checked per line, before writing: a file is rotated out the moment the next
// line would push it past the cap, which keeps every file on disk within
// maxBytes. Reopening an existing log continues counting from its current
// size rather than pretending it is empty.
type logFile struct {
	mu        sync.Mutex
	logPath   string
	file      *os.File
	usedBytes int64
	maxBytes  int64
	keep      int

	// nextRotation numbers rotated-out files; <name>.0.log is the oldest
	nextRotation int
}

func openLogFile(logPath string, maxBytes int64, keep int) (*logFile, error) {
	file, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, DEFAULT_FILE_PERM)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	return &logFile{
		logPath:   logPath,
		file:      file,
		usedBytes: info.Size(),
		maxBytes:  maxBytes,
		keep:      keep,
	}, nil
}

func (lf *logFile) Write(p []byte) (int, error) {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	if lf.usedBytes > 0 && lf.usedBytes+int64(len(p)) > lf.maxBytes {
		if err := lf.rotateLocked(); err != nil {
			return 0, err
		}
	}

	n, err := lf.file.Write(p)
	lf.usedBytes += int64(n)
	return n, err
}

// rotateLocked renames the live log aside, prunes rotations beyond the
// retention cap, and opens a fresh file. Caller holds lf.mu.
func (lf *logFile) rotateLocked() error {
	if err := lf.file.Close(); err != nil {
		return err
	}

	base := strings.TrimSuffix(lf.logPath, ".log")
	if err := os.Rename(lf.logPath, fmt.Sprintf("%s.%d.log", base, lf.nextRotation)); err != nil {
		return err
	}
	lf.nextRotation++

	if lf.keep > 0 {
		if stale := lf.nextRotation - 1 - lf.keep; stale >= 0 {
			// best effort; a missing file just means it was pruned already
			_ = os.Remove(fmt.Sprintf("%s.%d.log", base, stale))
		}
	}

	file, err := os.OpenFile(lf.logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, DEFAULT_FILE_PERM)
	if err != nil {
		return err
	}
	lf.file = file
	lf.usedBytes = 0
	return nil
}

func (lf *logFile) Close() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	return lf.file.Close()
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// workerLogger writes the worker's run log to a size-rotated file, mirroring
// warnings and worse to stderr so interactive runs surface problems without
// tailing the log.
type workerLogger struct {
	workerName        string
	minimumLevelToLog LogLevel
	file              *logFile
	logFileFolder     string
	logger            *log.Logger
	sanitizer         LogSanitizer
	mirrorToStderr    bool
}

func NewWorkerLogger(workerName string, minimumLevelToLog LogLevel, logFileFolder string, mirrorToStderr bool) ILoggerResetable {
	return &workerLogger{
		workerName:        workerName,
		minimumLevelToLog: minimumLevelToLog,
		logFileFolder:     logFileFolder,
		sanitizer:         NewHordeLogSanitizer(),
		mirrorToStderr:    mirrorToStderr,
	}
}

func (wl *workerLogger) OpenLog() {
	if wl.minimumLevelToLog == ELogLevel.None() {
		return
	}

	file, err := openLogFile(path.Join(wl.logFileFolder, wl.workerName+".log"), maxLogSize, keepRotatedLogs)
	PanicIfErr(err)

	wl.file = file

	flags := log.LstdFlags | log.LUTC
	wl.logger = log.New(wl.file, "", flags)
	wl.logger.Println("WorkerVersion ", WorkerVersion)
	wl.logger.Println("OS-Environment ", runtime.GOOS)
	wl.logger.Println("OS-Architecture ", runtime.GOARCH)
	wl.logger.Println(fmt.Sprintf("Log times are in UTC. Local time is %s", time.Now().Format("2 Jan 2006 15:04:05")))
}

func (wl *workerLogger) MinimumLogLevel() LogLevel {
	return wl.minimumLevelToLog
}

func (wl *workerLogger) ShouldLog(level LogLevel) bool {
	if level == ELogLevel.None() {
		return false
	}
	return level <= wl.minimumLevelToLog
}

func (wl *workerLogger) CloseLog() {
	if wl.minimumLevelToLog == ELogLevel.None() {
		return
	}

	wl.logger.Println("Closing Log")
	_ = wl.file.Close()
}

func (wl *workerLogger) Log(loglevel LogLevel, msg string) {
	// ensure all secrets are redacted before the message reaches any sink
	msg = wl.sanitizer.SanitizeLogLine(msg)

	if !wl.ShouldLog(loglevel) {
		return
	}

	prefix := ""
	if loglevel <= ELogLevel.Warning() {
		prefix = fmt.Sprintf("%s: ", loglevel) // so readers can find serious ones, but informational ones still look uncluttered
	}
	wl.logger.Println(prefix + msg)

	if wl.mirrorToStderr && loglevel <= ELogLevel.Warning() {
		fmt.Fprintln(os.Stderr, prefix+msg)
	}
}

func (wl *workerLogger) Panic(err error) {
	wl.logger.Println(err) // logged first so the log holds the reason for the crash
	panic(err)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// silentLogger discards everything. Used as the default in tests and before
// OpenLog has run.
type silentLogger struct{}

func NewSilentLogger() ILogger { return silentLogger{} }

func (silentLogger) ShouldLog(LogLevel) bool { return false }
func (silentLogger) Log(LogLevel, string)    {}
func (silentLogger) Panic(err error)         { panic(err) }

// captures the common logic of exiting if there's an unexpected error
func PanicIfErr(err error) {
	if err != nil {
		panic(err)
	}
}
