// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog.
type GoogleEmitter struct {
	*Writer
}

// pid is used for the threadid component of the header. glog pads it to
// seven columns.
var pid = fmt.Sprintf("%7d", os.Getpid())

// levelChar returns the single glog character for level.
func levelChar(level Level) byte {
	switch level {
	case Debug:
		return 'D'
	case Info:
		return 'I'
	default:
		return 'W'
	}
}

// callerOf returns "file:line" for the frame depth levels above Emit.
func callerOf(depth int) string {
	_, file, line, ok := runtime.Caller(depth + 2)
	if !ok {
		return "???:0"
	}
	if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
		file = file[slash+1:]
	}
	return fmt.Sprintf("%s:%d", file, line)
}

// Emit emits the message, google-style.
//
// Log lines have this form:
//
//	Lmmdd hh:mm:ss.uuuuuu threadid file:line] msg...
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	var b strings.Builder
	b.Grow(64 + len(format))

	_, month, day := timestamp.Date()
	hour, minute, second := timestamp.Clock()
	fmt.Fprintf(&b, "%c%02d%02d %02d:%02d:%02d.%06d %s %s] ",
		levelChar(level), int(month), day, hour, minute, second,
		timestamp.Nanosecond()/1000, pid, callerOf(depth))
	fmt.Fprintf(&b, format, args...)
	b.WriteByte('\n')

	g.Writer.Write([]byte(b.String()))
}
