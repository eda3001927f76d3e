package sandbox

import (
	"bytes"
	"testing"
)

func TestStripFrame(t *testing.T) {
	tests := []struct {
		name  string
		chunk []byte
		want  []byte
	}{
		{"stdout frame", append([]byte{1, 0, 0, 0, 0, 0, 0, 2}, "2\n"...), []byte("2\n")},
		{"stderr frame", append([]byte{2, 0, 0, 0, 0, 0, 0, 4}, "oops"...), []byte("oops")},
		{"split payload", append([]byte{1, 0, 0, 0, 0, 0, 1, 0}, "abc"...), []byte("abc")},
		{"plain text", []byte("hello world"), []byte("hello world")},
		{"short chunk", []byte{1, 0, 0}, []byte{1, 0, 0}},
		{"stream id out of range", []byte{7, 0, 0, 0, 0, 0, 0, 1, 'x'}, []byte{7, 0, 0, 0, 0, 0, 0, 1, 'x'}},
		{"nonzero padding", []byte{1, 0, 9, 0, 0, 0, 0, 1, 'x'}, []byte{1, 0, 9, 0, 0, 0, 0, 1, 'x'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripFrame(tt.chunk); !bytes.Equal(got, tt.want) {
				t.Errorf("StripFrame() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMultiplexedLogs_RealBackendsArePlain(t *testing.T) {
	if MultiplexedLogs(NewDockerRuntime("sandbox-broker.managed")) {
		t.Error("docker start --attach output is not multiplexed")
	}
	if MultiplexedLogs(NewContainerdRuntime(nil, "sandbox-broker.managed")) {
		t.Error("containerd cio output is not multiplexed")
	}
}
