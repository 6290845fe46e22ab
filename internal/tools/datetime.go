package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/promethea/promethea/internal/fault"
)

// DateTimeTool reports the current time, optionally in a named zone.
type DateTimeTool struct {
	now func() time.Time
}

func NewDateTimeTool() *DateTimeTool {
	return &DateTimeTool{now: time.Now}
}

func (t *DateTimeTool) Name() string { return "datetime.now" }

func (t *DateTimeTool) Description() string {
	return "Returns the current date and time. Accepts an optional IANA timezone name."
}

func (t *DateTimeTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"timezone": {
				"type": "string",
				"description": "IANA timezone name, e.g. Europe/Berlin. Defaults to UTC."
			}
		},
		"additionalProperties": false
	}`)
}

func (t *DateTimeTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Timezone string `json:"timezone"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fault.Wrap(fault.KindInvalidArguments, "bad arguments", err)
	}

	loc := time.UTC
	if params.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(params.Timezone)
		if err != nil {
			return "", fault.Newf(fault.KindInvalidArguments, "unknown timezone %q", params.Timezone)
		}
	}
	now := t.now().In(loc)
	return fmt.Sprintf("%s (%s)", now.Format("Monday, 2 January 2006 15:04:05 MST"), loc), nil
}
