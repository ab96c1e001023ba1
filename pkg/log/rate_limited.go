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
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger drops messages beyond its limit and reports how many
// were dropped with the next message that gets through.
type rateLimitedLogger struct {
	logger     Logger
	limit      *rate.Limiter
	suppressed atomic.Uint64
}

func (rl *rateLimitedLogger) allow() (uint64, bool) {
	if !rl.limit.Allow() {
		rl.suppressed.Add(1)
		return 0, false
	}
	return rl.suppressed.Swap(0), true
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if n, ok := rl.allow(); ok {
		rl.logger.Debugf(withSuppressed(format, n), v...)
	}
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if n, ok := rl.allow(); ok {
		rl.logger.Infof(withSuppressed(format, n), v...)
	}
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	if n, ok := rl.allow(); ok {
		rl.logger.Warningf(withSuppressed(format, n), v...)
	}
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// withSuppressed appends a note about n dropped messages to format.
func withSuppressed(format string, n uint64) string {
	if n == 0 {
		return format
	}
	return format + " (" + strconv.FormatUint(n, 10) + " similar messages suppressed)"
}

// RateLimitedLogger returns a Logger that logs to the provided logger at most
// burst messages at once and then no more than once per the provided
// duration.
func RateLimitedLogger(logger Logger, every time.Duration, burst int) Logger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), burst),
	}
}
