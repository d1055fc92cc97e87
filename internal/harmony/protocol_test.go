package harmony

import (
	"encoding/json"
	"testing"
)

func TestReplyCodeFormats(t *testing.T) {
	tests := []struct {
		raw  string
		want replyCode
	}{
		{`{"code":200}`, 200},
		{`{"code":"200"}`, 200},
		{`{"code":100}`, 100},
		{`{"code":null}`, 0},
	}

	for _, tt := range tests {
		var r reply
		if err := json.Unmarshal([]byte(tt.raw), &r); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.raw, err)
		}
		if r.Code != tt.want {
			t.Errorf("%s: code = %d, want %d", tt.raw, r.Code, tt.want)
		}
	}

	var r reply
	if err := json.Unmarshal([]byte(`{"code":"abc"}`), &r); err == nil {
		t.Error("non-numeric code accepted")
	}
}

func TestSettledActivity(t *testing.T) {
	tests := []struct {
		name   string
		digest stateDigest
		want   string
	}{
		{"activity started", stateDigest{ActivityID: "999", ActivityStatus: digestActivityStarted}, "999"},
		{"activity starting", stateDigest{ActivityID: "999", ActivityStatus: digestActivityStarting}, ""},
		{"powering off", stateDigest{ActivityID: "999", ActivityStatus: digestPoweringOff}, ""},
		{"hub idle", stateDigest{ActivityID: "-1", ActivityStatus: digestHubIdle}, "-1"},
		{"idle mid-transition", stateDigest{ActivityID: "999", ActivityStatus: digestHubIdle}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := settledActivity(tt.digest); got != tt.want {
				t.Errorf("settledActivity(%+v) = %q, want %q", tt.digest, got, tt.want)
			}
		})
	}
}

func TestCurrentActivityResultFormats(t *testing.T) {
	for _, raw := range []string{`{"result":"12345"}`, `{"result":12345}`} {
		var parsed currentActivityResult
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			t.Fatalf("unmarshal %s: %v", raw, err)
		}
		if parsed.Result.String() != "12345" {
			t.Errorf("%s: result = %q, want 12345", raw, parsed.Result.String())
		}
	}
}

func TestHubConfigParsing(t *testing.T) {
	raw := `{
		"activity": [
			{"id": "-1", "label": "PowerOff"},
			{"id": "999", "label": "Watch a Movie", "fixit": {"42": {}, "43": {}}}
		],
		"device": [
			{"id": "42", "label": "AV Receiver", "controlGroup": [
				{"name": "Volume", "function": [
					{"name": "VolumeUp", "action": "{\"command\":\"VolumeUp\",\"deviceId\":\"42\"}"}
				]}
			]},
			{"id": "43", "label": "Blu-ray Player"}
		]
	}`

	var cfg hubConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(cfg.Activity) != 2 || len(cfg.Device) != 2 {
		t.Fatalf("parsed %d activities, %d devices", len(cfg.Activity), len(cfg.Device))
	}
	if cfg.Activity[1].Label != "Watch a Movie" || len(cfg.Activity[1].Fixit) != 2 {
		t.Errorf("activity parsed as %+v", cfg.Activity[1])
	}
	fn := cfg.Device[0].ControlGroup[0].Function[0]
	if fn.Name != "VolumeUp" || fn.Action == "" {
		t.Errorf("function parsed as %+v", fn)
	}
}
