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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/xtexx/fabricia/internal/cache"
)

// publishSchema validates ad-hoc publications: a topic in a restricted
// alphabet and an arbitrary JSON payload.
const publishSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["topic", "payload"],
	"additionalProperties": false,
	"properties": {
		"topic": {
			"type": "string",
			"minLength": 1,
			"maxLength": 128,
			"pattern": "^[a-z0-9][a-z0-9._-]*$"
		},
		"payload": {}
	}
}`

var publishSchemaLoader = gojsonschema.NewStringLoader(publishSchema)

// handlePublish accepts a validated {topic, payload} document and pushes it
// through the pub/sub tier, minting a sequence number like any committed
// change event.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request, subject string) {
	if s.cache == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("event tier unavailable"))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := gojsonschema.Validate(publishSchemaLoader, gojsonschema.NewBytesLoader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		writeError(w, http.StatusUnprocessableEntity, errors.New(strings.Join(msgs, "; ")))
		return
	}

	var req struct {
		Topic   string          `json:"topic"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.cache.Publish(r.Context(), req.Topic, req.Payload); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, cache.ErrUnavailable) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err)
		return
	}
	seq, _ := s.cache.Seq(r.Context(), req.Topic)
	writeJSON(w, http.StatusAccepted, map[string]any{"topic": req.Topic, "seq": seq})
}
