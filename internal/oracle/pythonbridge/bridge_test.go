package pythonbridge

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"OpenMCP-Assistant/internal/oracle"
)

func TestDecideRunsScriptWithRequestOnStdin(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "decide.sh")
	body := "#!/bin/sh\n" +
		"input=$(cat)\n" +
		"case \"$input\" in\n" +
		"  *'\"stage\":\"classify_reply\"'*) echo '{\"reply\":\"affirmative\"}' ;;\n" +
		"  *) echo '{\"is_complete\":true}' ;;\n" +
		"esac\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	client, err := NewClient("sh", script, dir)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	decision, err := client.Decide(context.Background(), oracle.Request{Stage: oracle.StageClassifyReply, CommandText: "yes"})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Reply != oracle.ReplyAffirmative {
		t.Fatalf("unexpected reply %q", decision.Reply)
	}

	decision, err = client.Decide(context.Background(), oracle.Request{Stage: oracle.StageFold})
	if err != nil || !decision.IsComplete {
		t.Fatalf("unexpected fold decision %+v %v", decision, err)
	}
}

func TestDecideHonoursContextTimeout(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "slow.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nsleep 5\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	client, _ := NewClient("sh", script, dir)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.Decide(ctx, oracle.Request{Stage: oracle.StageFold}); err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestResolveScriptPath(t *testing.T) {
	if got := ResolveScriptPath("/srv", "scripts/decide.py"); got != "/srv/scripts/decide.py" {
		t.Fatalf("unexpected path %q", got)
	}
	if got := ResolveScriptPath("/srv", "/abs/decide.py"); got != "/abs/decide.py" {
		t.Fatalf("unexpected path %q", got)
	}
}
