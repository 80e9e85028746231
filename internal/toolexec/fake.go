package toolexec

import (
	"context"
	"strings"
	"sync"
)

// Call 一次记录下来的调用
type Call struct {
	Name string
	Args []string
}

// String 以空格拼接的命令行
func (c Call) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// FakeRunner 记录调用，不执行任何命令；供各包测试使用
type FakeRunner struct {
	mu    sync.Mutex
	Calls []Call
	// Handler 决定每次调用的输出和错误，可在其中模拟工具的文件副作用
	Handler func(call Call) ([]byte, error)
}

func (f *FakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	call := Call{Name: name, Args: append([]string(nil), args...)}
	f.mu.Lock()
	f.Calls = append(f.Calls, call)
	handler := f.Handler
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, nil
	}
	return handler(call)
}

// Commands 已记录调用的命令行
func (f *FakeRunner) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Calls))
	for i, c := range f.Calls {
		out[i] = c.String()
	}
	return out
}
