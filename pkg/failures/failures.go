// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package failures is a small HTTP service for injecting failures into a
// running process, e.g. making the redo log's fsyncs fail.
//
// A Service holds a map from key to a JSON value. A component registers a
// handler under a key; the value of every key starts out null, meaning no
// failure. A GET returns the current values, and a POST replaces all of
// them: keys missing from the POST are reset to null, and every handler
// whose value changed is called with the new value (nil for null).
//
//	svc := failures.New()
//	svc.Register("redolog_sync_error", failures.ErrorHandler(w.InjectSyncError))
//	mux.Handle(failures.DefaultPath, svc)
//
//	curl localhost:4380/__failure__ -XPOST -d '{"redolog_sync_error": "disk on fire"}'
//	curl localhost:4380/__failure__ -XPOST -d '{}'
package failures

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	log "github.com/golang/glog"
)

// DefaultPath is the path the failure service is usually mounted on.
const DefaultPath = "/__failure__"

// Handler is called when the value of its key changes. A nil value means
// the failure was cleared.
type Handler func(value json.RawMessage) error

// Service is a set of failure handlers and their current values. It
// implements http.Handler.
type Service struct {
	lock     sync.Mutex
	values   map[string]json.RawMessage // nil value: no failure
	handlers map[string]Handler
}

// New returns an empty Service.
func New() *Service {
	return &Service{
		values:   make(map[string]json.RawMessage),
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler under key. A key can be registered only once.
func (s *Service) Register(key string, handler Handler) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.handlers[key]; ok {
		return fmt.Errorf("key %q is already registered", key)
	}
	s.handlers[key] = handler
	s.values[key] = nil
	return nil
}

// Keys returns the registered keys, sorted.
func (s *Service) Keys() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	keys := make([]string, 0, len(s.handlers))
	for k := range s.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Values returns a copy of the current values.
func (s *Service) Values() map[string]json.RawMessage {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := make(map[string]json.RawMessage, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Apply replaces every value with the one in updates, or null if updates
// has none. It fails without changing anything if updates names a key that
// isn't registered.
func (s *Service) Apply(updates map[string]json.RawMessage) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	for key := range updates {
		if _, ok := s.handlers[key]; !ok {
			return fmt.Errorf("key %q is not registered", key)
		}
	}

	for key, cur := range s.values {
		next := updates[key]
		if isNull(next) {
			next = nil
		}
		if next == nil && cur == nil {
			continue
		}
		if err := s.handlers[key](next); err != nil {
			log.Errorf("Failure handler %q rejected %s: %v", key, next, err)
			return err
		}
		log.Infof("Failure %q set to %s", key, next)
		s.values[key] = next
	}
	return nil
}

func isNull(v json.RawMessage) bool {
	return v == nil || bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// ServeHTTP implements http.Handler.
func (s *Service) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.Values())
	case http.MethodPost:
		body, err := io.ReadAll(req.Body)
		if err != nil {
			replyError(w, err.Error(), http.StatusBadRequest)
			return
		}
		var updates map[string]json.RawMessage
		if err = json.Unmarshal(body, &updates); err != nil {
			replyError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err = s.Apply(updates); err != nil {
			replyError(w, err.Error(), http.StatusBadRequest)
		}
	default:
		replyError(w, fmt.Sprintf("unsupported method %s", req.Method), http.StatusMethodNotAllowed)
	}
}

func replyError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	fmt.Fprintln(w, msg)
}

// ErrorHandler adapts a function that injects an error (nil to clear it)
// into a Handler. The value must be a JSON string, used as the error text.
func ErrorHandler(inject func(error)) Handler {
	return func(value json.RawMessage) error {
		if value == nil {
			inject(nil)
			return nil
		}
		var msg string
		if err := json.Unmarshal(value, &msg); err != nil {
			return fmt.Errorf("expected a string: %v", err)
		}
		if msg == "" {
			inject(nil)
			return nil
		}
		inject(errors.New(msg))
		return nil
	}
}
