package broker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"sandbox-broker/internal/sandbox"
)

// behavior plays a sandboxed program: it writes to out and returns the
// error the stream should end with. stop is closed when the runtime is
// asked to stop the process.
type behavior func(code string, out io.Writer, stop <-chan struct{}) error

type fakeProcess struct {
	spec    sandbox.ProcessSpec
	created time.Time
	stop    chan struct{}
	once    sync.Once
	output  *io.PipeReader
}

type fakeRuntime struct {
	mu      sync.Mutex
	seq     int
	procs   map[string]*fakeProcess
	specs   []sandbox.ProcessSpec
	stopped []string
	listed  []sandbox.ProcessInfo

	run       behavior
	plain     bool // output carries no stream headers
	createErr error
	startErr  error
	stopErr   map[string]error
}

func newFakeRuntime(run behavior) *fakeRuntime {
	if run == nil {
		run = pythonish
	}
	return &fakeRuntime{
		procs:   make(map[string]*fakeProcess),
		stopErr: make(map[string]error),
		run:     run,
	}
}

func (f *fakeRuntime) Create(_ context.Context, spec sandbox.ProcessSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", &sandbox.ProcessError{Op: "create", Err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.specs = append(f.specs, spec)
	if f.createErr != nil {
		return "", &sandbox.ProcessError{ProcessID: spec.Name, Op: "create", Err: f.createErr}
	}

	f.seq++
	id := fmt.Sprintf("proc-%d", f.seq)
	f.procs[id] = &fakeProcess{spec: spec, created: time.Now(), stop: make(chan struct{})}
	return id, nil
}

func (f *fakeRuntime) Start(_ context.Context, id string) error {
	f.mu.Lock()
	p, ok := f.procs[id]
	startErr := f.startErr
	f.mu.Unlock()

	if !ok {
		return &sandbox.ProcessError{ProcessID: id, Op: "start", Err: sandbox.ErrProcessNotFound}
	}
	if startErr != nil {
		return &sandbox.ProcessError{ProcessID: id, Op: "start", Err: startErr}
	}

	pr, pw := io.Pipe()
	f.mu.Lock()
	p.output = pr
	f.mu.Unlock()

	code := p.spec.Command[len(p.spec.Command)-1]
	go func() {
		err := f.run(code, pw, p.stop)
		_ = pw.CloseWithError(err)

		// Auto-removal.
		f.mu.Lock()
		delete(f.procs, id)
		f.mu.Unlock()
	}()
	return nil
}

func (f *fakeRuntime) Stop(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stopped = append(f.stopped, id)
	if err, ok := f.stopErr[id]; ok {
		return &sandbox.ProcessError{ProcessID: id, Op: "stop", Err: err}
	}
	p, ok := f.procs[id]
	if !ok {
		for _, info := range f.listed {
			if info.ID == id {
				return nil
			}
		}
		return &sandbox.ProcessError{ProcessID: id, Op: "stop", Err: sandbox.ErrProcessNotFound}
	}
	p.once.Do(func() { close(p.stop) })
	return nil
}

func (f *fakeRuntime) Logs(_ context.Context, id string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.procs[id]
	if !ok || p.output == nil {
		return nil, &sandbox.ProcessError{ProcessID: id, Op: "logs", Err: sandbox.ErrProcessNotFound}
	}
	out := p.output
	p.output = nil
	return out, nil
}

func (f *fakeRuntime) List(context.Context) ([]sandbox.ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sandbox.ProcessInfo(nil), f.listed...), nil
}

func (f *fakeRuntime) Close() error { return nil }

func (f *fakeRuntime) created() []sandbox.ProcessSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sandbox.ProcessSpec(nil), f.specs...)
}

func (f *fakeRuntime) MultiplexedLogs() bool { return !f.plain }

func (f *fakeRuntime) stops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

// frame prefixes payload with a stdout multiplex header.
func frame(stream byte, payload string) []byte {
	header := make([]byte, 8)
	header[0] = stream
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
	return append(header, payload...)
}

var errStreamBroken = errors.New("log stream reset by runtime")

// pythonish understands just enough of the test programs.
func pythonish(code string, out io.Writer, stop <-chan struct{}) error {
	switch {
	case code == "print(1+1)":
		_, err := out.Write(frame(1, "2\n"))
		return err
	case strings.HasPrefix(code, "raise ValueError"):
		if _, err := out.Write(frame(2, "Traceback (most recent call last):\n")); err != nil {
			return err
		}
		_, err := out.Write(frame(2, "  File \"<string>\", line 1, in <module>\nValueError: x\n"))
		return err
	case strings.Contains(code, "time.sleep"):
		<-stop
		return errors.New("killed")
	case strings.HasPrefix(code, "echo:"):
		for _, part := range strings.Split(strings.TrimPrefix(code, "echo:"), ",") {
			if _, err := out.Write(frame(1, part)); err != nil {
				return err
			}
			time.Sleep(time.Millisecond)
		}
		return nil
	case code == "break-stream":
		_, _ = out.Write(frame(1, "partial"))
		return errStreamBroken
	default:
		return nil
	}
}
