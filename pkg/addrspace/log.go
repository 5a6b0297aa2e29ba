// Copyright 2018 The gVisor Authors.
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

package addrspace

import "github.com/sirupsen/logrus"

// log is the package-wide logger for conditions that are non-fatal by
// design: a failed core-dump advisory, or a Region operating with no
// belonged address space. Neither should abort the caller.
var log = logrus.WithField("component", "addrspace")
