// Package executor 执行外部命令，返回退出码和输出
//
// 支持本地执行（os/exec）和通过 SSH 在远端主机执行。
// 非零退出码通过 Result.ExitCode 返回，不作为 error；
// 超时返回 context.DeadlineExceeded。
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Result 命令执行结果
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success 退出码是否为 0
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0
}

// Output 返回合并后的输出，用于日志和错误信息
func (r *Result) Output() string {
	if r == nil {
		return ""
	}
	out := strings.TrimSpace(r.Stdout)
	if errOut := strings.TrimSpace(r.Stderr); errOut != "" {
		if out != "" {
			out += "\n"
		}
		out += errOut
	}
	return out
}

// Runner 定义了命令执行的接口
type Runner interface {
	// Run 在 timeout 内执行命令，timeout 为 0 表示只受 ctx 限制
	Run(ctx context.Context, timeout time.Duration, name string, args ...string) (*Result, error)
}

// LocalRunner 在本机执行命令
type LocalRunner struct{}

// NewLocalRunner 创建本地执行器
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{}
}

// Run 执行本地命令
func (r *LocalRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (*Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		result.ExitCode = -1
		return result, fmt.Errorf("run %s: %w", name, ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("run %s: %w", name, err)
	}
	return result, nil
}

// Quote 将参数拼接为 shell 命令行，用于远端执行和日志
func Quote(name string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(name))
	for _, arg := range args {
		parts = append(parts, shellQuote(arg))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
			strings.ContainsRune("-_./=:,@+", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
