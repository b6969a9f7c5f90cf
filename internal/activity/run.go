package activity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/gyre-io/gyre/internal/domain"
	"github.com/gyre-io/gyre/internal/dsl"
	"github.com/gyre-io/gyre/internal/secrets"
	"github.com/gyre-io/gyre/internal/store"
)

// Run executes a run task process. Shell, script and container processes run
// on the host; workflow processes are spawned through the Starter and, when
// awaited, watched until their terminal run record appears.
func (v *Invoker) Run(ctx context.Context, spec *dsl.RunSpec, input any) (any, error) {
	switch {
	case spec == nil:
		return nil, configError("run task has no process")
	case spec.Workflow != nil:
		return v.runWorkflow(ctx, spec.Workflow, spec.Awaited(), input)
	case spec.Shell != nil:
		return v.runShell(ctx, spec.Shell, input)
	case spec.Script != nil:
		return v.runScript(ctx, spec.Script, input)
	case spec.Container != nil:
		return v.runContainer(ctx, spec.Container, input)
	default:
		return nil, configError("run task has no process")
	}
}

func (v *Invoker) runShell(ctx context.Context, spec *dsl.RunShell, input any) (any, error) {
	if spec.Command == "" {
		return nil, configError("shell run has no command")
	}
	env, err := v.resolveEnv(ctx, spec.Environment)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", spec.Command)
	return v.execute(ctx, cmd, env, input)
}

func (v *Invoker) runScript(ctx context.Context, spec *dsl.RunScript, input any) (any, error) {
	if spec.Code == "" {
		return nil, configError("script run has no code")
	}
	interpreter, ext, err := scriptInterpreter(spec.Language)
	if err != nil {
		return nil, err
	}
	f, err := os.CreateTemp("", "gyre-script-*"+ext)
	if err != nil {
		return nil, fmt.Errorf("stage script: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(spec.Code); err != nil {
		f.Close()
		return nil, fmt.Errorf("stage script: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("stage script: %w", err)
	}

	env, err := v.resolveEnv(ctx, spec.Environment)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, interpreter, f.Name())
	return v.execute(ctx, cmd, env, input)
}

func (v *Invoker) runContainer(ctx context.Context, spec *dsl.RunContainer, input any) (any, error) {
	if spec.Image == "" {
		return nil, configError("container run has no image")
	}
	env, err := v.resolveEnv(ctx, spec.Environment)
	if err != nil {
		return nil, err
	}
	args := []string{"run", "--rm"}
	for k, val := range env {
		args = append(args, "--env", k+"="+val)
	}
	if input != nil {
		raw, merr := json.Marshal(input)
		if merr != nil {
			return nil, configError("encode run input: %v", merr)
		}
		args = append(args, "--env", "GYRE_INPUT="+string(raw))
	}
	args = append(args, spec.Image)
	if spec.Command != "" {
		args = append(args, "/bin/sh", "-c", spec.Command)
	}

	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		tail := strings.TrimSpace(string(out))
		if len(tail) > 512 {
			tail = tail[len(tail)-512:]
		}
		return nil, runtimeError("container %s: %v: %s", spec.Image, err, tail)
	}
	return parseProcessOutput(out), nil
}

// execute runs a prepared host command with the run conventions: input rides
// stdin and GYRE_INPUT, stdout is the output, a nonzero exit is a runtime
// fault carrying stderr.
func (v *Invoker) execute(ctx context.Context, cmd *exec.Cmd, env map[string]string, input any) (any, error) {
	cmd.Env = os.Environ()
	for k, val := range env {
		cmd.Env = append(cmd.Env, k+"="+val)
	}
	if input != nil {
		raw, err := json.Marshal(input)
		if err != nil {
			return nil, configError("encode run input: %v", err)
		}
		cmd.Stdin = bytes.NewReader(raw)
		cmd.Env = append(cmd.Env, "GYRE_INPUT="+string(raw))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			detail := strings.TrimSpace(stderr.String())
			if detail == "" {
				detail = strings.TrimSpace(stdout.String())
			}
			return nil, runtimeError("process exited %d: %s", exitErr.ExitCode(), detail)
		}
		return nil, runtimeError("start process: %v", err)
	}
	return parseProcessOutput(stdout.Bytes()), nil
}

// resolveEnv substitutes $SECRET: references before anything reaches a child
// process environment.
func (v *Invoker) resolveEnv(ctx context.Context, env map[string]string) (map[string]string, error) {
	if len(env) == 0 {
		return nil, nil
	}
	if v.cfg.Secrets == nil {
		for _, val := range env {
			if secrets.IsRef(val) {
				return nil, domain.NewWorkflowError(domain.ErrorKindAuthorization, "",
					"environment references a secret but no secret source is configured")
			}
		}
		return env, nil
	}
	resolved, err := v.cfg.Secrets.ResolveRefs(ctx, env)
	if err != nil {
		if errors.Is(err, store.ErrSecretNotFound) {
			return nil, domain.WrapError(domain.ErrorKindAuthorization, "", err,
				"resolve run environment")
		}
		return nil, fmt.Errorf("resolve run environment: %w", err)
	}
	return resolved, nil
}

// parseProcessOutput turns stdout into the task output: JSON when it is
// valid JSON, the trimmed text otherwise, nil when empty.
func parseProcessOutput(out []byte) any {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil
	}
	if json.Valid(trimmed) {
		var v any
		if err := json.Unmarshal(trimmed, &v); err == nil {
			return v
		}
	}
	return string(trimmed)
}

func scriptInterpreter(language string) (string, string, error) {
	switch strings.ToLower(language) {
	case "python":
		return "python3", ".py", nil
	case "javascript", "js":
		return "node", ".js", nil
	default:
		return "", "", configError("unsupported script language %q", language)
	}
}

func (v *Invoker) runWorkflow(ctx context.Context, spec *dsl.RunWorkflow, awaited bool, input any) (any, error) {
	if v.cfg.Starter == nil {
		return nil, configError("run workflow is not available: no starter configured")
	}
	if spec.Name == "" || spec.Version == "" {
		return nil, configError("run workflow needs a name and a version")
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, configError("encode workflow input: %v", err)
	}
	id, err := v.cfg.Starter.StartWorkflow(ctx, spec.Name, spec.Version, raw)
	if err != nil {
		if errors.Is(err, store.ErrDefinitionNotFound) {
			return nil, domain.WrapError(domain.ErrorKindConfiguration, "", err,
				"workflow %s/%s is not registered", spec.Name, spec.Version)
		}
		return nil, fmt.Errorf("start workflow %s/%s: %w", spec.Name, spec.Version, err)
	}
	if !awaited {
		return map[string]any{"id": id}, nil
	}
	return v.awaitRun(ctx, id)
}

// awaitRun polls for the child's terminal run record. The watch is bounded
// by the caller's deadline or AwaitWindow, whichever comes first.
func (v *Invoker) awaitRun(ctx context.Context, workflowID string) (any, error) {
	if v.cfg.Runs == nil {
		return nil, configError("cannot await a workflow without a run store")
	}
	deadline := time.Now().Add(v.cfg.AwaitWindow)
	ticker := time.NewTicker(v.cfg.AwaitPoll)
	defer ticker.Stop()
	for {
		rec, err := v.cfg.Runs.GetRun(ctx, workflowID)
		switch {
		case errors.Is(err, store.ErrRunNotFound):
			// still running
		case err != nil:
			return nil, fmt.Errorf("watch workflow %s: %w", workflowID, err)
		case rec.Status == domain.RunStatusCompleted:
			if len(rec.Output) == 0 {
				return nil, nil
			}
			var out any
			if uerr := json.Unmarshal(rec.Output, &out); uerr != nil {
				return nil, runtimeError("decode output of workflow %s: %v", workflowID, uerr)
			}
			return out, nil
		case rec.Status == domain.RunStatusFailed:
			return nil, childFailure(workflowID, rec.Error)
		}
		if time.Now().After(deadline) {
			return nil, timeoutError("workflow %s did not finish within %s",
				workflowID, v.cfg.AwaitWindow)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// childFailure rehydrates the child's workflow error so the parent's catch
// filters see the original kind and status.
func childFailure(workflowID string, raw json.RawMessage) error {
	var we domain.WorkflowError
	if len(raw) > 0 && json.Unmarshal(raw, &we) == nil && we.Type != "" {
		return &we
	}
	return runtimeError("workflow %s failed: %s", workflowID, string(raw))
}
