package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"OpenMCP-Assistant/internal/orchestrator"
)

func newTurnCommand(configPath *string) *cobra.Command {
	var req orchestrator.TurnRequest

	cmd := &cobra.Command{
		Use:   "turn",
		Short: "在本地执行一轮对话并输出回复",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			resp, err := a.master.ProcessTurn(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	cmd.Flags().StringVarP(&req.UserID, "user", "u", "", "用户 ID")
	cmd.Flags().StringVarP(&req.Message, "message", "m", "", "用户消息")
	cmd.Flags().StringVarP(&req.SessionID, "session", "s", "", "会话 ID，留空时创建新会话")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
