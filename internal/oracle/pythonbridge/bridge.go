package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"OpenMCP-Assistant/internal/oracle"
)

// Client 通过调用外部脚本实现决策：标准输入为 Request JSON，标准输出为 Decision JSON。
type Client struct {
	pythonExec string
	scriptPath string
	workingDir string
}

var _ oracle.Oracle = (*Client)(nil)

// NewClient 创建 Python Bridge 客户端。
func NewClient(pythonExec, scriptPath, workingDir string) (*Client, error) {
	if scriptPath == "" {
		return nil, fmt.Errorf("未指定 Python 脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	return &Client{
		pythonExec: pythonExec,
		scriptPath: scriptPath,
		workingDir: workingDir,
	}, nil
}

// Decide 实现 oracle.Oracle。
func (c *Client) Decide(ctx context.Context, req oracle.Request) (*oracle.Decision, error) {
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("序列化决策上下文失败: %w", err)
	}

	command := exec.CommandContext(ctx, c.pythonExec, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("执行决策脚本失败: %v, stderr=%s", err, strings.TrimSpace(stderr.String()))
	}

	var decision oracle.Decision
	if err := json.Unmarshal(stdout.Bytes(), &decision); err != nil {
		return nil, fmt.Errorf("解析决策脚本输出失败: %w", err)
	}
	return &decision, nil
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" || filepath.IsAbs(script) || baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}
