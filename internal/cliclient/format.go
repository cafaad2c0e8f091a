// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

package cliclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"warden/internal/wire"
)

// FormatJSON pretty-prints a CommandResponse's content as indented JSON,
// the default rendering for `warden query` and friends.
func FormatJSON(resp wire.CommandResponse) (string, error) {
	if len(resp.Content) == 0 {
		return "{}\n", nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, resp.Content, "", "  "); err != nil {
		return "", fmt.Errorf("cliclient: indent content: %w", err)
	}
	buf.WriteByte('\n')
	return buf.String(), nil
}

// FormatTable renders a LIST_WORKERS/STATUS response as a fixed-width
// column table, the default rendering when --format is left at "table".
func FormatTable(resp wire.CommandResponse) (string, error) {
	var info wire.StatusInfo
	if err := resp.DecodeContent(&info); err != nil {
		return "", fmt.Errorf("cliclient: decode worker list: %w", err)
	}
	workers := append([]wire.WorkerInfo(nil), info.Workers...)
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })

	var b strings.Builder
	fmt.Fprintf(&b, "%-8s %-10s %-12s\n", "ID", "PID", "STATE")
	for _, w := range workers {
		fmt.Fprintf(&b, "%-8d %-10d %-12s\n", w.ID, w.PID, w.State)
	}
	return b.String(), nil
}

// FormatEvent renders a single ProxyEvent as one log-style line for
// `warden events`.
func FormatEvent(ev wire.ProxyEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] cluster=%s backend=%s", ev.Kind, ev.ClusterID, ev.BackendID)
	if ev.Address != "" {
		fmt.Fprintf(&b, " addr=%s", ev.Address)
	}
	fmt.Fprintf(&b, " worker=%d", ev.WorkerID)
	return b.String()
}
