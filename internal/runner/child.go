// Package runner executes one task invocation in an isolated subprocess and
// reports its lifecycle to the supervisor over a message pipe.
//
// The supervisor re-executes its own binary with EnvTask set; the child side
// is entered through Main, which must be the first call in the program's
// main function.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"workerscheduler/internal/protocol"
	"workerscheduler/internal/tasks"
)

const (
	EnvTask = "WORKERSCHEDULER_TASK"
	EnvArgs = "WORKERSCHEDULER_TASK_ARGS"

	// messageFD is the descriptor of the message pipe in the child; it is
	// the first entry of exec.Cmd.ExtraFiles.
	messageFD = 3
)

// Exit codes used by the child.
const (
	ExitOK            = 0
	ExitProtocol      = 1
	ExitUnknownTask   = 3
	ExitNoMessagePipe = 4
)

// IsChild reports whether this process was started to run a task.
func IsChild() bool { return os.Getenv(EnvTask) != "" }

// Main runs the requested task and exits when the process is a task child.
// It returns immediately otherwise.
func Main(reg *tasks.Registry) {
	if !IsChild() {
		return
	}
	os.Exit(mainChild(reg))
}

func mainChild(reg *tasks.Registry) int {
	name := os.Getenv(EnvTask)
	fn, err := reg.Lookup(name)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitUnknownTask
	}
	pipe := os.NewFile(messageFD, "messages")
	if pipe == nil {
		fmt.Fprintln(os.Stderr, "message pipe missing")
		return ExitNoMessagePipe
	}
	closeOnExec(messageFD)
	defer pipe.Close()
	return Run(context.Background(), fn, json.RawMessage(os.Getenv(EnvArgs)), pipe)
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// Run invokes fn once and writes its lifecycle to w: start, any log lines,
// then exactly one of finish or fatal. A reported task failure is still a
// clean run and returns ExitOK.
func Run(ctx context.Context, fn tasks.Func, args json.RawMessage, w io.Writer) int {
	enc := protocol.NewEncoder(w)
	if err := enc.Send(protocol.Start(time.Now())); err != nil {
		return ExitProtocol
	}

	logf := func(msg string) { _ = enc.Send(protocol.Log(msg)) }
	v, err := fn(ctx, logf, args)

	var msg protocol.Message
	if err == nil {
		msg, err = protocol.Finish(time.Now(), v)
	}
	if err != nil {
		if _, ok := err.(stackTracer); !ok {
			err = errors.WithStack(err)
		}
		msg = protocol.Fatal(time.Now(), fmt.Sprintf("%+v", err))
	}
	if err := enc.Send(msg); err != nil {
		return ExitProtocol
	}
	return ExitOK
}
