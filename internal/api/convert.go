package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/taskgrid/taskqueue/internal/keycodec"
	"github.com/taskgrid/taskqueue/internal/store"
)

// decodeOneOrMany accepts either a single InsertTask object or a JSON array
// of them, per spec §6's push endpoint and the supplemented array-form push
// feature. The bool return reports whether the body was an array, so the
// response shape can mirror the request shape even for a single-element
// array.
func decodeOneOrMany(r *http.Request) ([]InsertTask, bool, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, false, err
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false, errors.New("empty request body")
	}

	if trimmed[0] == '[' {
		var many []InsertTask
		if err := json.Unmarshal(trimmed, &many); err != nil {
			return nil, false, err
		}
		return many, true, nil
	}

	var single InsertTask
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, false, err
	}
	return []InsertTask{single}, false, nil
}

func toInternalInsert(in InsertTask) (store.InsertTask, error) {
	deps := make([]uint64, 0, len(in.DependsOn))
	for _, ext := range in.DependsOn {
		k, err := keycodec.Decode(ext)
		if err != nil {
			return store.InsertTask{}, err
		}
		deps = append(deps, k)
	}
	dur := store.DefaultDuration
	if in.Duration != nil {
		dur = time.Duration(*in.Duration) * time.Second
	}
	return store.InsertTask{
		Name:      in.Name,
		Payload:   in.Payload,
		DependsOn: deps,
		Duration:  dur,
	}, nil
}

func toWireTask(t store.Task) (Task, error) {
	id, err := keycodec.Encode(t.Key)
	if err != nil {
		return Task{}, err
	}
	deps := make([]string, 0, len(t.DependsOn))
	for _, k := range t.DependsOn {
		s, err := keycodec.Encode(k)
		if err != nil {
			return Task{}, err
		}
		deps = append(deps, s)
	}
	return Task{
		ID:        id,
		Name:      t.Name,
		Payload:   t.Payload,
		DependsOn: deps,
		Duration:  int64(t.Duration / time.Second),
	}, nil
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Error{Status: status, Message: message})
}

// concealedKey re-encodes an internal key for inclusion in an error message,
// per spec §4.6: internal keys are concealed before they reach a response,
// and the Error schema's message field is part of that response. Falls back
// to a generic placeholder rather than ever printing the raw integer if
// encoding itself fails.
func concealedKey(k uint64) string {
	s, err := keycodec.Encode(k)
	if err != nil {
		return "<unknown>"
	}
	return s
}

// writeStoreError maps a façade/codec error kind to its HTTP status per
// spec §7: input errors are 400, configuration and internal-consistency
// errors are 500.
func writeStoreError(w http.ResponseWriter, err error) {
	var mdErr *store.MissingDependencyError
	var invErr *store.InvalidTaskIDError

	switch {
	case errors.As(err, &mdErr):
		writeError(w, http.StatusBadRequest, fmt.Sprintf("store: missing dependency %s", concealedKey(mdErr.Parent)))
	case errors.As(err, &invErr):
		writeError(w, http.StatusBadRequest, fmt.Sprintf("store: invalid task id %s", concealedKey(invErr.Key)))
	case errors.Is(err, store.ErrCycle):
		writeError(w, http.StatusBadRequest, "push would introduce a dependency cycle")
	case errors.Is(err, keycodec.ErrKeyDecode):
		writeError(w, http.StatusBadRequest, "invalid external key")
	case errors.Is(err, keycodec.ErrMissingGenerator):
		writeError(w, http.StatusInternalServerError, "key codec not initialized")
	case errors.Is(err, keycodec.ErrKeyEncode):
		writeError(w, http.StatusInternalServerError, "internal key outside representable range")
	case errors.Is(err, store.ErrMonitorCommunication):
		writeError(w, http.StatusInternalServerError, "monitor communication failure")
	default:
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("internal error: %v", err))
	}
}
