package harmony

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Hub command verbs. The hub speaks a JSON envelope ("hbus") over a local
// websocket; command names are service-qualified strings.
const (
	cmdGetCurrentActivity = "vnd.logitech.harmony/vnd.logitech.harmony.engine?getCurrentActivity"
	cmdGetConfig          = "vnd.logitech.harmony/vnd.logitech.harmony.engine?config"
	cmdHoldAction         = "vnd.logitech.harmony/vnd.logitech.harmony.engine?holdAction"
	cmdRunActivity        = "harmony.activityengine?runactivity"

	notifyStateDigest = "connect.stateDigest?notify"

	wsDomain = "svcs.myharmony.com"
	wsOrigin = "http://sl.dhg.myharmony.com"
)

// request is the envelope for a single hub command.
type request struct {
	HubID   string      `json:"hubId,omitempty"`
	Timeout int         `json:"timeout,omitempty"`
	Hbus    requestBody `json:"hbus"`
}

type requestBody struct {
	Cmd    string      `json:"cmd"`
	ID     string      `json:"id"`
	Params interface{} `json:"params,omitempty"`
}

// reply is any inbound frame: a command response (matched by id) or an
// unsolicited notification (matched by type).
type reply struct {
	ID   string          `json:"id"`
	Cmd  string          `json:"cmd"`
	Type string          `json:"type"`
	Code replyCode       `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (r reply) statusOK() bool {
	// 200 is done; 100 is an in-progress continuation for long commands.
	return r.Code == 200 || r.Code == 100
}

// replyCode tolerates the hub's habit of sending status codes as either a
// JSON number or a quoted string.
type replyCode int

func (c *replyCode) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*c = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("unparseable status code %q: %w", s, err)
	}
	*c = replyCode(n)
	return nil
}

// stateDigest is the payload of an unsolicited activity notification.
type stateDigest struct {
	ActivityID     string `json:"activityId"`
	ActivityStatus int    `json:"activityStatus"`
}

// Activity status values inside a state digest.
const (
	digestHubIdle          = 0 // powered off, or settling after power off
	digestActivityStarting = 1
	digestActivityStarted  = 2
	digestPoweringOff      = 3
)

// settledActivity maps a digest to a settled activity id, or "" when the
// digest describes a transition still in flight.
func settledActivity(d stateDigest) string {
	switch d.ActivityStatus {
	case digestActivityStarted:
		return d.ActivityID
	case digestHubIdle:
		if d.ActivityID == powerOffActivityID {
			return d.ActivityID
		}
	}
	return ""
}

// currentActivityResult is the data payload of a getCurrentActivity response.
// The id arrives as a string on current firmware and as a bare number on
// older ones.
type currentActivityResult struct {
	Result json.Number `json:"result"`
}

// hubConfig is the subset of the hub's configuration blob the daemon uses:
// the activity directory plus per-device command actions.
type hubConfig struct {
	Activity []struct {
		ID    string                     `json:"id"`
		Label string                     `json:"label"`
		Fixit map[string]json.RawMessage `json:"fixit"`
	} `json:"activity"`
	Device []struct {
		ID           string `json:"id"`
		Label        string `json:"label"`
		ControlGroup []struct {
			Name     string `json:"name"`
			Function []struct {
				Name   string `json:"name"`
				Action string `json:"action"`
			} `json:"function"`
		} `json:"controlGroup"`
	} `json:"device"`
}

// provisionRequest and provisionReply are the one-shot HTTP exchange that
// yields the hub's remote id, required as a websocket query parameter.
type provisionRequest struct {
	ID     int               `json:"id"`
	Cmd    string            `json:"cmd"`
	Params map[string]string `json:"params"`
}

type provisionReply struct {
	Data struct {
		ActiveRemoteID json.Number `json:"activeRemoteId"`
	} `json:"data"`
}
