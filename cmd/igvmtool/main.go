// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// The igvmtool command inspects, loads, and measures IGVM guest images.
package main

import (
	"context"
	"os"

	"github.com/google/logger"
	"github.com/qemu/qemu-sub037/cmd"
)

func main() {
	defer logger.Init("igvmtool", false, false, os.Stderr).Close()
	if err := cmd.MakeApp(context.Background(), &cmd.AppComponents{}).Execute(); err != nil {
		os.Exit(1)
	}
}
