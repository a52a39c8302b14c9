package main

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	docker "github.com/fsouza/go-dockerclient"

	. "authograder/types"
)

// kernelLimiter caps the number of concurrent kernel containers.
var kernelLimiter chan struct{}

var dockerClient *docker.Client

func setupDocker() error {
	client, err := docker.NewVersionedClient("unix:///var/run/docker.sock", "1.24")
	if err != nil {
		return fmt.Errorf("creating container engine client: %v", err)
	}
	if err := client.Ping(); err != nil {
		return fmt.Errorf("pinging container engine: %v", err)
	}
	dockerClient = client
	return nil
}

// CellExecutor runs one notebook code cell at a time in a shared
// interpreter session. Implementations must be safe to Shutdown after
// a failed ExecuteCell.
type CellExecutor interface {
	ExecuteCell(ctx context.Context, index int, source string) *CellResult
	Shutdown()
}

// resultMarker prefixes the runner's per-cell verdict lines on stdout.
// The control bytes keep student prints from forging a verdict.
const resultMarker = "\x01authograder:\x02"

// runnerScript is uploaded into each kernel container. It holds one
// interpreter session: cells arrive on stdin as a byte count line
// followed by that many bytes of source, and each cell ends with a
// single verdict line on stdout.
const runnerScript = `import sys, traceback

MARK = "\x01authograder:\x02"
session = {"__name__": "__main__"}

while True:
    header = sys.stdin.buffer.readline()
    if not header:
        break
    count = int(header)
    source = sys.stdin.buffer.read(count).decode("utf-8")
    try:
        exec(compile(source, "<cell>", "exec"), session)
        verdict = "ok"
    except AssertionError:
        traceback.print_exc()
        verdict = "assert"
    except BaseException:
        traceback.print_exc()
        verdict = "error"
    sys.stdout.flush()
    sys.stderr.flush()
    print(MARK + verdict, flush=True)
`

// Kernel supervises a single-use container running one interpreter
// session. It is created for one grading or pre-check pass and torn
// down unconditionally afterwards.
type Kernel struct {
	Start  time.Time
	Events chan *EventMessage

	container   *docker.Container
	input       io.WriteCloser
	inputReader *io.PipeReader
	verdicts    chan string

	mutex     sync.Mutex
	cellIndex int
	cellOut   bytes.Buffer
	dead      bool
	closed    bool
}

var _ CellExecutor = (*Kernel)(nil)

// NewKernel starts a kernel container and launches the interpreter
// session inside it. It blocks until a kernel slot is free.
func NewKernel(name string) (*Kernel, error) {
	kernelLimiter <- struct{}{}
	k, err := newKernelLocked(name)
	if err != nil {
		<-kernelLimiter
		return nil, err
	}
	return k, nil
}

func newKernelLocked(name string) (*Kernel, error) {
	mem := int64(256 * 1024 * 1024)
	pids := int64(64)
	config := &docker.Config{
		Image:           Config.KernelImage,
		Cmd:             []string{"/bin/sleep", fmt.Sprintf("%d", Config.GradingSeconds+60)},
		User:            "1001",
		NetworkDisabled: true,
	}
	hostConfig := &docker.HostConfig{
		CapDrop:    []string{"ALL"},
		PidsLimit:  &pids,
		Memory:     mem,
		MemorySwap: mem,
		Ulimits: []docker.ULimit{
			{Name: "cpu", Soft: Config.GradingSeconds, Hard: Config.GradingSeconds},
			{Name: "nofile", Soft: 128, Hard: 128},
			{Name: "fsize", Soft: 10 * 1024 * 1024, Hard: 10 * 1024 * 1024},
		},
	}
	container, err := dockerClient.CreateContainer(docker.CreateContainerOptions{
		Name:       name,
		Config:     config,
		HostConfig: hostConfig,
	})
	if err != nil {
		return nil, loggedErrorf("failed to create container: %v", err)
	}
	if err = dockerClient.StartContainer(container.ID, nil); err != nil {
		removeContainer(container)
		return nil, loggedErrorf("failed to start container: %v", err)
	}

	k := &Kernel{
		Start:     time.Now(),
		Events:    make(chan *EventMessage, 64),
		container: container,
		verdicts:  make(chan string, 1),
	}

	if err := k.putRunner(); err != nil {
		removeContainer(container)
		return nil, err
	}

	exec, err := dockerClient.CreateExec(docker.CreateExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          []string{"python3", "-u", "/tmp/runner.py"},
		Container:    container.ID,
	})
	if err != nil {
		removeContainer(container)
		return nil, loggedErrorf("failed to create exec in container: %v", err)
	}

	reader, writer := io.Pipe()
	k.input = writer
	k.inputReader = reader
	go func() {
		err := dockerClient.StartExec(exec.ID, docker.StartExecOptions{
			InputStream:  reader,
			OutputStream: &verdictScanner{kernel: k},
			ErrorStream:  &cellOutputWriter{kernel: k, event: "stderr"},
			RawTerminal:  false,
		})
		if err != nil {
			k.mutex.Lock()
			closed := k.closed
			k.mutex.Unlock()
			if !closed {
				loggedErrorf("interpreter session ended: %v", err)
			}
		}

		// once the session is over nothing will ever read the input
		// pipe again, so make sure no cell is left waiting on it
		k.markDead(fmt.Errorf("the interpreter session has ended"))
	}()

	return k, nil
}

// putRunner uploads the interpreter script into the container.
func (k *Kernel) putRunner() error {
	buf := new(bytes.Buffer)
	writer := tar.NewWriter(buf)
	header := &tar.Header{
		Name:     "runner.py",
		Mode:     0644,
		Size:     int64(len(runnerScript)),
		ModTime:  time.Now(),
		Typeflag: tar.TypeReg,
	}
	if err := writer.WriteHeader(header); err != nil {
		return loggedErrorf("writing tar header for runner: %v", err)
	}
	if _, err := writer.Write([]byte(runnerScript)); err != nil {
		return loggedErrorf("writing tar contents for runner: %v", err)
	}
	if err := writer.Close(); err != nil {
		return loggedErrorf("closing tar file for runner: %v", err)
	}
	err := dockerClient.UploadToContainer(k.container.ID, docker.UploadToContainerOptions{
		InputStream: buf,
		Path:        "/tmp",
	})
	if err != nil {
		return loggedErrorf("uploading runner to container: %v", err)
	}
	return nil
}

// ExecuteCell feeds one cell to the interpreter session and waits for
// its verdict. If ctx expires first the container is killed and the
// cell reports an error outcome, as does every cell after it.
func (k *Kernel) ExecuteCell(ctx context.Context, index int, source string) *CellResult {
	k.mutex.Lock()
	if k.dead {
		k.mutex.Unlock()
		return &CellResult{
			Outcome: OutcomeError,
			Output:  fmt.Sprintf("cell %d not executed: the interpreter session has ended", index),
		}
	}
	k.cellIndex = index
	k.cellOut.Reset()
	k.mutex.Unlock()

	k.emit(&EventMessage{Time: time.Now(), Event: "exec", CellIndex: index})

	if !strings.HasSuffix(source, "\n") {
		source += "\n"
	}
	msg := fmt.Sprintf("%d\n%s", len(source), source)
	if _, err := io.WriteString(k.input, msg); err != nil {
		return &CellResult{
			Outcome: OutcomeError,
			Output:  fmt.Sprintf("sending cell to interpreter: %v", err),
		}
	}

	select {
	case verdict := <-k.verdicts:
		k.mutex.Lock()
		output := k.cellOut.String()
		k.mutex.Unlock()
		result := &CellResult{Output: output}
		switch verdict {
		case "ok":
			result.Outcome = OutcomePassed
		case "assert":
			result.Outcome = OutcomeAssertion
		default:
			result.Outcome = OutcomeError
		}
		k.emit(&EventMessage{Time: time.Now(), Event: "result", CellIndex: index, CellResult: result})
		return result

	case <-ctx.Done():
		// the interpreter is stuck, so take the container down and
		// refuse any further cells
		k.markDead(ctx.Err())
		dockerClient.KillContainer(docker.KillContainerOptions{ID: k.container.ID})
		result := &CellResult{
			Outcome: OutcomeError,
			Output:  fmt.Sprintf("cell %d did not finish in time: %v", index, ctx.Err()),
		}
		k.emit(&EventMessage{Time: time.Now(), Event: "result", CellIndex: index, CellResult: result})
		return result
	}
}

func (k *Kernel) Shutdown() {
	k.mutex.Lock()
	if k.closed {
		k.mutex.Unlock()
		return
	}
	k.closed = true
	close(k.Events)
	k.mutex.Unlock()

	k.markDead(fmt.Errorf("the kernel has been shut down"))
	k.input.Close()
	removeContainer(k.container)
	<-kernelLimiter
}

// markDead flags the kernel as unusable and closes the reader side of
// the input pipe, so a cell stuck writing to a dead interpreter gets
// an error instead of blocking forever. Safe to call more than once.
func (k *Kernel) markDead(err error) {
	k.mutex.Lock()
	if k.dead {
		k.mutex.Unlock()
		return
	}
	k.dead = true
	k.mutex.Unlock()
	k.inputReader.CloseWithError(err)
}

// emit delivers an event without ever blocking the interpreter: a slow
// listener loses events rather than stalling grading. The mutex keeps
// sends and the close in Shutdown from racing.
func (k *Kernel) emit(event *EventMessage) {
	k.mutex.Lock()
	defer k.mutex.Unlock()
	if k.closed {
		return
	}
	select {
	case k.Events <- event:
	default:
	}
}

func removeContainer(container *docker.Container) {
	err := dockerClient.RemoveContainer(docker.RemoveContainerOptions{
		ID:            container.ID,
		RemoveVolumes: true,
		Force:         true,
	})
	if err != nil {
		loggedErrorf("failed to remove container: %v", err)
	}
}

// verdictScanner watches the interpreter's stdout for verdict lines
// and forwards everything else as cell output.
type verdictScanner struct {
	kernel  *Kernel
	pending bytes.Buffer
}

func (s *verdictScanner) Write(data []byte) (int, error) {
	s.pending.Write(data)
	for {
		line, err := s.pending.ReadString('\n')
		if err != nil {
			// keep the partial line for the next write
			s.pending.Reset()
			s.pending.WriteString(line)
			break
		}
		if strings.HasPrefix(line, resultMarker) {
			verdict := strings.TrimSpace(line[len(resultMarker):])
			select {
			case s.kernel.verdicts <- verdict:
			default:
			}
			continue
		}
		s.kernel.recordOutput("stdout", line)
	}
	return len(data), nil
}

// cellOutputWriter forwards a raw stream as cell output.
type cellOutputWriter struct {
	kernel *Kernel
	event  string
}

func (w *cellOutputWriter) Write(data []byte) (int, error) {
	w.kernel.recordOutput(w.event, string(data))
	return len(data), nil
}

func (k *Kernel) recordOutput(event, data string) {
	k.mutex.Lock()
	index := k.cellIndex
	k.cellOut.WriteString(data)
	k.mutex.Unlock()

	k.emit(&EventMessage{Time: time.Now(), Event: event, CellIndex: index, StreamData: data})
}
