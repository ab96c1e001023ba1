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
	"encoding/json"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// levelNames are the JSON names of each Level, indexed by level.
var levelNames = [...]string{
	Warning: "warning",
	Info:    "info",
	Debug:   "debug",
}

// MarshalJSON implements json.Marshaler.MarshalJSON.
func (l Level) MarshalJSON() ([]byte, error) {
	if int(l) >= len(levelNames) {
		return nil, fmt.Errorf("unknown level %v", l)
	}
	return strconv.AppendQuote(nil, levelNames[l]), nil
}

// UnmarshalJSON implements json.Unmarshaler.UnmarshalJSON. It accepts the
// names written by MarshalJSON, in any case, and numeric levels.
func (l *Level) UnmarshalJSON(b []byte) error {
	s := string(b)
	if name, err := strconv.Unquote(s); err == nil {
		for i, n := range levelNames {
			if strings.EqualFold(name, n) {
				*l = Level(i)
				return nil
			}
		}
		return fmt.Errorf("unknown level %q", name)
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n >= uint64(len(levelNames)) {
		return fmt.Errorf("unknown level %s", s)
	}
	*l = Level(n)
	return nil
}

// record is one line of JSON output.
type record struct {
	Time    time.Time `json:"time"`
	Level   Level     `json:"level"`
	Command string    `json:"command,omitempty"`
	Caller  string    `json:"caller,omitempty"`
	Msg     string    `json:"msg"`
}

// JSONEmitter writes one JSON object per message. Each record carries the
// emitting source line and, when set, the mmuctl command that logged it.
type JSONEmitter struct {
	*Writer

	// Command tags every record, so several runs can share a log file.
	Command string
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	r := record{
		Time:    timestamp,
		Level:   level,
		Command: e.Command,
		Msg:     fmt.Sprintf(format, v...),
	}
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		r.Caller = fmt.Sprintf("%s:%d", file[strings.LastIndexByte(file, '/')+1:], line)
	}
	b, err := json.Marshal(r)
	if err != nil {
		// Only an unknown level fails to marshal.
		fmt.Fprintf(e.Writer, "%s: %s", level, r.Msg)
		return
	}
	e.Writer.Write(b)
}
