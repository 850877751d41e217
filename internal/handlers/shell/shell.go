package shell

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	"workerscheduler/internal/tasks"
)

const maxOutput = 64 << 10

type Cmd struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Dir     string   `json:"dir"`
}

// Result is what a successful shell task returns.
type Result struct {
	Output string `json:"output"`
}

// Run executes the command described by args, forwarding every output line
// to log.
func Run(ctx context.Context, log tasks.LogFunc, args json.RawMessage) (any, error) {
	var c Cmd
	if err := json.Unmarshal(args, &c); err != nil {
		return nil, errors.Wrap(err, "invalid shell args")
	}
	if c.Command == "" {
		return nil, errors.New("command is required")
	}
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	var out bytes.Buffer
	done := make(chan struct{})
	go func() {
		defer close(done)
		sc := bufio.NewScanner(pr)
		for sc.Scan() {
			line := sc.Text()
			log(line)
			if out.Len() < maxOutput {
				out.WriteString(line)
				out.WriteByte('\n')
			}
		}
		_, _ = io.Copy(io.Discard, pr)
	}()

	err := cmd.Run()
	_ = pw.Close()
	<-done
	if err != nil {
		return nil, errors.Wrapf(err, "shell error; out=%s", strings.TrimSpace(out.String()))
	}
	return Result{Output: strings.TrimSpace(out.String())}, nil
}

func (c Cmd) String() string {
	return fmt.Sprintf("%s %s", c.Command, strings.Join(c.Args, " "))
}
