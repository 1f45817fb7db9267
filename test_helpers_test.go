package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// cliOutput 捕获 run() 写往 stdOut/stdErr 的内容。
type cliOutput struct {
	out *bytes.Buffer
	err *bytes.Buffer
}

// captureOutput 在测试期间把 CLI 输出切换到内存缓冲，结束后恢复。
func captureOutput(t *testing.T) cliOutput {
	t.Helper()
	captured := cliOutput{out: &bytes.Buffer{}, err: &bytes.Buffer{}}
	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = captured.out, captured.err
	t.Cleanup(func() {
		stdOut, stdErr = prevOut, prevErr
	})
	return captured
}

// configFixture 指向 internal/config/testdata；main 包测试的工作目录即仓库根目录。
func configFixture(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join("internal", "config", "testdata", name)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("配置样例不存在: %v", err)
	}
	return path
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(file, []byte(strings.TrimSpace(content)), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return file
}
