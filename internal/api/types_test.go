package api

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"sandbox-broker/internal/directory"
)

func TestDuration_MarshalJSON(t *testing.T) {
	d := Duration{Duration: 10 * time.Second}
	b, err := d.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	want := `"10s"`
	if string(b) != want {
		t.Errorf("MarshalJSON() = %s, want %s", b, want)
	}
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{`"10s"`, 10 * time.Second, false},
		{`"500ms"`, 500 * time.Millisecond, false},
		{`"1m"`, time.Minute, false},
		{`"not-a-duration"`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var d Duration
			err := d.UnmarshalJSON([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("UnmarshalJSON(%s) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && d.Duration != tt.want {
				t.Errorf("UnmarshalJSON(%s) = %v, want %v", tt.input, d.Duration, tt.want)
			}
		})
	}
}

func TestHostView_FlattensRecord(t *testing.T) {
	v := HostView{
		HostRecord: directory.HostRecord{Name: "worker-a", Status: directory.StatusOnline},
		Age:        Duration{Duration: 12 * time.Second},
	}
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"name":"worker-a"`, `"status":"online"`, `"age":"12s"`, `"stale":false`} {
		if !strings.Contains(string(b), want) {
			t.Errorf("%s missing %s", b, want)
		}
	}
}
