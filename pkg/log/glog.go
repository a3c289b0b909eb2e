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
	"strconv"
	"strings"
	"time"
)

// GoogleEmitter formats statements the way github.com/golang/glog does and
// passes each line to the wrapped Emitter.
type GoogleEmitter struct {
	// Emitter is the underlying emitter.
	Emitter
}

// pid fills the thread id column, padded to glog's width of 7.
var pid = fmt.Sprintf("%7d", os.Getpid())

// levelChars maps each level to its glog header character.
var levelChars = [...]byte{Warning: 'W', Info: 'I', Debug: 'D'}

// caller returns "file:line" for the frame depth levels above its caller,
// without the directory.
func caller(depth int) (string, bool) {
	_, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		return "", false
	}
	if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
		file = file[slash+1:]
	}
	return file + ":" + strconv.Itoa(line), true
}

// Emit implements Emitter.Emit. Lines have the form
//
//	Lmmdd hh:mm:ss.uuuuuu pid file:line] msg
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	b := make([]byte, 0, 128)
	if int(level) < len(levelChars) {
		b = append(b, levelChars[level])
	} else {
		b = append(b, '?')
	}
	b = timestamp.AppendFormat(b, "0102 15:04:05.000000")
	b = append(b, ' ')
	b = append(b, pid...)
	b = append(b, ' ')
	if c, ok := caller(depth + 1); ok {
		b = append(b, c...)
	} else {
		b = append(b, "???:0"...)
	}
	b = append(b, "] "...)
	b = fmt.Appendf(b, format, args...)
	b = append(b, '\n')
	g.Emitter.Emit(depth+1, level, timestamp, "%s", b)
}
