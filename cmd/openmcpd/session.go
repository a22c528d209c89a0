package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSessionCommand(configPath *string) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "session",
		Short: "查看或删除会话",
	}
	cmd.PersistentFlags().StringVarP(&userID, "user", "u", "", "会话所属用户 ID")
	_ = cmd.MarkPersistentFlagRequired("user")

	get := &cobra.Command{
		Use:   "get <session-id>",
		Short: "输出会话概览",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			view, err := a.master.InspectSession(cmd.Context(), args[0], userID)
			if err != nil {
				return err
			}
			return printJSON(view)
		},
	}

	del := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "删除会话及其撤销记录",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.master.DeleteSession(cmd.Context(), args[0], userID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s deleted\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(get, del)
	return cmd
}
