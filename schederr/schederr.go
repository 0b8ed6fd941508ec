//
// Copyright 2026 The RT Scheduler Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS-IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
//
// Package schederr centralizes the error kinds this scheduling class
// produces (spec §7): config-invalid (returned, never fatal),
// overload/overrun (logged, self-healing) and fatal invariant violations
// (process abort).
package schederr

import (
	log "github.com/golang/glog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Invalid returns a codes.InvalidArgument error for a rejected
// configuration, matching the teacher's server/ packages' use of
// grpc status/codes as a generic structured-error kit (no gRPC service is
// ever run by this module).
func Invalid(format string, args ...interface{}) error {
	return status.Errorf(codes.InvalidArgument, format, args...)
}

// Overrun logs a recoverable overload/overrun condition: budget overshoot,
// a skipped replenishment period, or an exhaustion timer armed past its
// replenishment deadline. The scheduler is expected to self-heal; this is
// never returned as an error.
func Overrun(format string, args ...interface{}) {
	log.Warningf(format, args...)
}

// Fatal reports an invariant violation that indicates a bookkeeping bug
// (spec §7: reclaim underflow, an empty pick with runnable tasks and no
// throttled group). Mirrors the kernel's BUG_ON: it aborts the process.
func Fatal(format string, args ...interface{}) {
	log.Fatalf(format, args...)
}
