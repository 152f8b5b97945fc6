package supervisor

import "context"

// Kind identifies what a worker does.
type Kind uint8

const (
	KindRecord Kind = iota + 1
	KindPlay
)

func (k Kind) String() string {
	switch k {
	case KindRecord:
		return "record"
	case KindPlay:
		return "play"
	}
	return "unknown"
}

// Worker is a running worker process.
type Worker interface {
	// Interrupt asks the worker to stop and persist its work.
	Interrupt() error
	// Terminate is the stronger stop request sent after Interrupt times out.
	// Workers still persist their work on it.
	Terminate() error
	// Kill ends the worker without letting it clean up.
	Kill() error
	// Done is closed once the worker has exited and been reaped.
	Done() <-chan struct{}
	ExitCode() int
	PID() int
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(ctx context.Context, kind Kind, args []string) (Worker, error)
}

// Prompter asks the user where to save a finished recording.
type Prompter interface {
	// SaveRecording returns the chosen destination, or "" when the user
	// declines to keep the recording.
	SaveRecording(ctx context.Context, suggested string) (string, error)
}

func exited(w Worker) bool {
	select {
	case <-w.Done():
		return true
	default:
		return false
	}
}
