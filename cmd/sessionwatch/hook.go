package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	eventSessionStart = "SessionStart"
	eventSessionEnd   = "SessionEnd"

	maxEnvelope = 1 << 20
)

var errMissingSession = errors.New("missing session_id")

// hookInput is the JSON envelope a hook host writes to stdin.
type hookInput struct {
	SessionID     string `json:"session_id"`
	Cwd           string `json:"cwd"`
	HookEventName string `json:"hook_event_name"`
}

type hookSpecificOutput struct {
	HookEventName     string `json:"hookEventName"`
	AdditionalContext string `json:"additionalContext"`
}

type hookResponse struct {
	HookSpecificOutput *hookSpecificOutput `json:"hookSpecificOutput,omitempty"`
	Error              string              `json:"error,omitempty"`
}

// readHookInput decodes the envelope from r unless flags carry a session id.
// Unknown fields are ignored; hosts add new ones freely.
func readHookInput(r io.Reader, flags HookFlags) (hookInput, error) {
	if flags.SessionID != "" {
		return hookInput{SessionID: flags.SessionID, Cwd: flags.Cwd}, nil
	}
	if r == nil {
		return hookInput{}, errMissingSession
	}
	data, err := io.ReadAll(io.LimitReader(r, maxEnvelope))
	if err != nil {
		return hookInput{}, fmt.Errorf("read hook input: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return hookInput{}, errMissingSession
	}
	var in hookInput
	if err := json.Unmarshal(data, &in); err != nil {
		return hookInput{}, fmt.Errorf("decode hook input: %w", err)
	}
	if flags.Cwd != "" {
		in.Cwd = flags.Cwd
	}
	if in.SessionID == "" {
		return hookInput{}, errMissingSession
	}
	return in, nil
}

func writeSuccess(w io.Writer, event, msg string) error {
	return json.NewEncoder(w).Encode(hookResponse{
		HookSpecificOutput: &hookSpecificOutput{HookEventName: event, AdditionalContext: msg},
	})
}

func writeFailure(w io.Writer, err error) error {
	return json.NewEncoder(w).Encode(hookResponse{Error: err.Error()})
}

func eventName(in hookInput, def string) string {
	if in.HookEventName != "" {
		return in.HookEventName
	}
	return def
}
