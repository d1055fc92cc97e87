package motion

import "testing"

func TestParseOccupancy(t *testing.T) {
	tests := []struct {
		payload string
		want    bool
		wantErr bool
	}{
		{"ON", true, false},
		{"on", true, false},
		{" OFF ", false, false},
		{"true", true, false},
		{"0", false, false},
		{"MOTION", true, false},
		{"CLEAR", false, false},
		{`{"occupancy":true}`, true, false},
		{`{"occupancy":false,"battery":97}`, false, false},
		{`{"battery":97}`, false, true},
		{"maybe", false, true},
		{"", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			got, err := ParseOccupancy([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseOccupancy(%q) = %v, want %v", tt.payload, got, tt.want)
			}
		})
	}
}
