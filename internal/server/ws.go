/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// handleSubscribe upgrades the connection and hands it to the fan-out
// dispatcher. Topics come from a comma-separated query parameter.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, subject string) {
	topics := splitTopics(r.URL.Query().Get("topics"))
	if len(topics) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("missing topics parameter"))
		return
	}
	if s.cache == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("event tier unavailable"))
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	s.log.Debug("subscriber connected",
		slog.String("subject", subject),
		slog.Int("topics", len(topics)))
	if err := s.dispatch.ServeConn(r.Context(), conn, topics); err != nil {
		s.log.Debug("subscriber session ended", slog.String("error", err.Error()))
	}
}

func splitTopics(raw string) []string {
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}
