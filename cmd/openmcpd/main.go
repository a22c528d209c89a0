// Command openmcpd runs the OpenMCP assistant orchestration daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
)

// main 是 openmcpd 的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "openmcpd 运行失败: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "openmcpd",
		Short:         "多智能体助手编排服务",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultPath := os.Getenv("OPENMCP_CONFIG")
	if defaultPath == "" {
		defaultPath = filepath.Join("configs", "openmcp.yaml")
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultPath, "配置文件路径")

	root.AddCommand(
		newServeCommand(&configPath),
		newTurnCommand(&configPath),
		newSessionCommand(&configPath),
	)
	return root
}
