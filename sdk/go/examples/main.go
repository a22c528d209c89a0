package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"OpenMCP-Assistant/sdk/go/openmcp"
)

// 向本地 openmcpd 发送一轮对话，遇到确认请求时自动回复 yes。
func main() {
	baseURL := os.Getenv("OPENMCP_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	client, err := openmcp.NewClient(baseURL, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	resp, err := client.SendTurn(ctx, openmcp.TurnRequest{
		Message: "archive all newsletters from last week",
		UserID:  "demo-user",
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("[%s] %s\n", resp.SessionID, resp.Message)

	if resp.RequiresConfirmation {
		sub, err := client.SubmitTurn(ctx, openmcp.TurnRequest{
			Message:   "yes",
			SessionID: resp.SessionID,
			UserID:    "demo-user",
		}, "")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		task, err := client.WaitTask(ctx, sub.TaskID, time.Second)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if task.Result != nil {
			fmt.Printf("[%s] %s\n", task.SessionID, task.Result.Message)
		} else {
			fmt.Printf("task %s %s: %s\n", task.ID, task.Status, task.LastError)
		}
	}
}
