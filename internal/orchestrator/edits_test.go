package orchestrator

import (
	"testing"

	"OpenMCP-Assistant/internal/oracle"
	"OpenMCP-Assistant/internal/session"

	"github.com/google/go-cmp/cmp"
)

func commands(specs ...string) *session.MasterState {
	master := &session.MasterState{}
	for i := 0; i < len(specs); i += 2 {
		master.CommandList = append(master.CommandList, session.Command{
			Domain: "mail",
			Text:   specs[i],
			Status: session.CommandStatus(specs[i+1]),
			Order:  len(master.CommandList) + 1,
		})
	}
	return master
}

func texts(master *session.MasterState) []string {
	out := make([]string, 0, len(master.CommandList))
	for _, cmd := range master.CommandList {
		out = append(out, cmd.Text)
	}
	return out
}

func TestApplyCommandEdits(t *testing.T) {
	cases := []struct {
		name  string
		edits []oracle.CommandEdit
		want  []string
	}{
		{
			name:  "append",
			edits: []oracle.CommandEdit{{Op: oracle.EditAppend, Domain: "mail", Text: "e"}},
			want:  []string{"a", "b", "c", "d", "e"},
		},
		{
			name:  "insert next goes before the first pending",
			edits: []oracle.CommandEdit{{Op: oracle.EditInsertNext, Domain: "mail", Text: "x"}},
			want:  []string{"a", "b", "x", "c", "d"},
		},
		{
			name:  "remove ignores finished commands",
			edits: []oracle.CommandEdit{{Op: oracle.EditRemove, Order: 1}, {Op: oracle.EditRemove, Order: 4}},
			want:  []string{"a", "b", "c"},
		},
		{
			name:  "reorder pending",
			edits: []oracle.CommandEdit{{Op: oracle.EditReorder, Orders: []int{4, 3}}},
			want:  []string{"a", "b", "d", "c"},
		},
		{
			name:  "reorder with a partial list is ignored",
			edits: []oracle.CommandEdit{{Op: oracle.EditReorder, Orders: []int{4}}},
			want:  []string{"a", "b", "c", "d"},
		},
		{
			name:  "clear keeps history",
			edits: []oracle.CommandEdit{{Op: oracle.EditClear}},
			want:  []string{"a", "b"},
		},
		{
			name:  "blank text is skipped",
			edits: []oracle.CommandEdit{{Op: oracle.EditAppend, Text: "  "}},
			want:  []string{"a", "b", "c", "d"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			master := commands("a", "completed", "b", "failed", "c", "pending", "d", "pending")
			applyCommandEdits(master, tc.edits)
			if diff := cmp.Diff(tc.want, texts(master)); diff != "" {
				t.Fatalf("commands mismatch (-want +got):\n%s", diff)
			}
			for i, cmd := range master.CommandList {
				if cmd.Order != i+1 {
					t.Fatalf("command %q has order %d at position %d", cmd.Text, cmd.Order, i)
				}
			}
		})
	}
}

func TestCapKnowledgeKeepsNewest(t *testing.T) {
	if got := capKnowledge("short", 10); got != "short" {
		t.Fatalf("short text must be untouched, got %q", got)
	}
	got := capKnowledge("old line\nnew line", 9)
	if got != "…new line" {
		t.Fatalf("expected newest content, got %q", got)
	}
	if n := len([]rune(got)); n > 9 {
		t.Fatalf("capped text has %d runes", n)
	}
}
