package orchestrator

import (
	"sort"
	"strings"

	"OpenMCP-Assistant/internal/oracle"
	"OpenMCP-Assistant/internal/session"
)

const truncationMark = "…"

// capKnowledge 按字符数截断累积知识，保留最新的内容。
func capKnowledge(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	keep := limit - len([]rune(truncationMark))
	if keep < 0 {
		keep = 0
	}
	return truncationMark + strings.TrimLeft(string(runes[len(runes)-keep:]), " \n")
}

// applyCommandEdits 编辑命令列表。编辑只作用于 pending 命令，
// 已完成、失败或执行中的命令保持原有位置。
func applyCommandEdits(master *session.MasterState, edits []oracle.CommandEdit) {
	if len(edits) == 0 {
		return
	}
	sort.SliceStable(master.CommandList, func(i, j int) bool {
		return master.CommandList[i].Order < master.CommandList[j].Order
	})

	for _, edit := range edits {
		switch edit.Op {
		case oracle.EditAppend:
			if strings.TrimSpace(edit.Text) == "" {
				continue
			}
			master.CommandList = append(master.CommandList, session.Command{Domain: edit.Domain, Text: edit.Text, Status: session.CommandPending})
		case oracle.EditInsertNext:
			if strings.TrimSpace(edit.Text) == "" {
				continue
			}
			cmd := session.Command{Domain: edit.Domain, Text: edit.Text, Status: session.CommandPending}
			at := firstPendingIndex(master.CommandList)
			if at < 0 {
				at = len(master.CommandList)
			}
			list := append(master.CommandList[:at:at], cmd)
			master.CommandList = append(list, master.CommandList[at:]...)
		case oracle.EditRemove:
			for i, cmd := range master.CommandList {
				if cmd.Order == edit.Order && cmd.Status == session.CommandPending {
					master.CommandList = append(master.CommandList[:i], master.CommandList[i+1:]...)
					break
				}
			}
		case oracle.EditReorder:
			reorderPending(master.CommandList, edit.Orders)
		case oracle.EditClear:
			kept := master.CommandList[:0]
			for _, cmd := range master.CommandList {
				if cmd.Status != session.CommandPending {
					kept = append(kept, cmd)
				}
			}
			master.CommandList = kept
		}
		master.Renumber()
	}
}

func firstPendingIndex(list []session.Command) int {
	for i, cmd := range list {
		if cmd.Status == session.CommandPending {
			return i
		}
	}
	return -1
}

// reorderPending 按 orders 重新排列 pending 命令，orders 必须恰好覆盖全部 pending 命令。
func reorderPending(list []session.Command, orders []int) {
	slots := []int{}
	byOrder := map[int]session.Command{}
	for i, cmd := range list {
		if cmd.Status == session.CommandPending {
			slots = append(slots, i)
			byOrder[cmd.Order] = cmd
		}
	}
	if len(orders) != len(slots) {
		return
	}
	reordered := make([]session.Command, 0, len(orders))
	seen := map[int]bool{}
	for _, order := range orders {
		cmd, ok := byOrder[order]
		if !ok || seen[order] {
			return
		}
		seen[order] = true
		reordered = append(reordered, cmd)
	}
	for i, slot := range slots {
		list[slot] = reordered[i]
	}
}
