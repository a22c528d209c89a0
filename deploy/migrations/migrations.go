// Package migrations embeds the MySQL schema for sessions, turn history and turn jobs.
package migrations

import "embed"

// Files 包含会话表、对话历史表与异步任务表的 SQL 迁移，按文件名前缀排序执行。
//
//go:embed *.sql
var Files embed.FS
