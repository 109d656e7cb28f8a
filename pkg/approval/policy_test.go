package approval

import (
	"testing"
)

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		input   string
		want    Policy
		wantErr bool
	}{
		{"suggest", PolicySuggest, false},
		{"Suggest", PolicySuggest, false},
		{"ask", PolicySuggest, false},
		{"auto-edit", PolicyAutoEdit, false},
		{"AUTO_EDIT", PolicyAutoEdit, false},
		{"full-auto", PolicyFullAuto, false},
		{"auto", PolicyFullAuto, false},
		{"yolo", PolicySuggest, true},
		{"", PolicySuggest, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParsePolicy(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParsePolicy(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("ParsePolicy(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestPolicyNextCycles(t *testing.T) {
	p := PolicySuggest
	seen := map[Policy]bool{}
	for i := 0; i < len(Policies); i++ {
		seen[p] = true
		p = p.Next()
	}
	if p != PolicySuggest {
		t.Errorf("cycle should return to suggest, got %v", p)
	}
	if len(seen) != len(Policies) {
		t.Errorf("cycle visited %d policies, want %d", len(seen), len(Policies))
	}
	if Policy("bogus").Next() != PolicySuggest {
		t.Error("unknown policy should advance to suggest")
	}
	if Policy("bogus").Valid() {
		t.Error("unknown policy should not be valid")
	}
}

func TestCheckShell(t *testing.T) {
	ctx := Context{WorkingDir: "/workspace", WritableRoots: []string{"/workspace"}}

	tests := []struct {
		name      string
		policy    Policy
		command   []string
		workdir   string
		want      Decision
		sandboxed bool
	}{
		{"read-only under suggest", PolicySuggest, []string{"ls", "-la"}, "", DecisionAllow, false},
		{"write under suggest", PolicySuggest, []string{"rm", "-rf", "build"}, "", DecisionPrompt, false},
		{"write under auto-edit", PolicyAutoEdit, []string{"go", "test", "./..."}, "", DecisionPrompt, false},
		{"write under full-auto", PolicyFullAuto, []string{"go", "test", "./..."}, "", DecisionAllow, true},
		{"full-auto outside roots", PolicyFullAuto, []string{"make"}, "/etc", DecisionPrompt, false},
		{"full-auto relative workdir", PolicyFullAuto, []string{"make"}, "sub", DecisionAllow, true},
		{"full-auto network", PolicyFullAuto, []string{"curl", "https://example.com"}, "", DecisionPrompt, false},
		{"redirect is not read-only", PolicySuggest, []string{"echo", "hi", ">", "f"}, "", DecisionPrompt, false},
		{"empty command", PolicyFullAuto, nil, "", DecisionDeny, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := Request{Kind: KindShell, Command: tt.command, Workdir: tt.workdir}
			got := Check(tt.policy, req, ctx)
			if got.Decision != tt.want {
				t.Errorf("Check() = %v (%s), want %v", got.Decision, got.Reason, tt.want)
			}
			if got.Sandboxed != tt.sandboxed {
				t.Errorf("Sandboxed = %v, want %v", got.Sandboxed, tt.sandboxed)
			}
		})
	}
}

func TestCheckShellClassifiesScript(t *testing.T) {
	ctx := Context{WorkingDir: "/workspace", WritableRoots: []string{"/workspace"}}
	req := Request{
		Kind:    KindShell,
		Command: []string{"sh", "-c", "ls\ntouch x"},
		Script:  "ls\ntouch x",
	}
	if got := Check(PolicySuggest, req, ctx); got.Decision != DecisionPrompt {
		t.Errorf("Check() = %v (%s), want prompt", got.Decision, got.Reason)
	}

	req.Script = "ls -la"
	if got := Check(PolicySuggest, req, ctx); got.Decision != DecisionAllow {
		t.Errorf("Check() = %v (%s), want allow", got.Decision, got.Reason)
	}
}

func TestCheckPatch(t *testing.T) {
	ctx := Context{
		WorkingDir:    "/workspace",
		WritableRoots: []string{"/workspace"},
		DeniedPaths:   []string{"/workspace/.git"},
	}

	tests := []struct {
		name   string
		policy Policy
		paths  []string
		want   Decision
	}{
		{"suggest always asks", PolicySuggest, []string{"main.go"}, DecisionPrompt},
		{"auto-edit inside roots", PolicyAutoEdit, []string{"main.go", "pkg/a.go"}, DecisionAllow},
		{"auto-edit outside roots", PolicyAutoEdit, []string{"/etc/passwd"}, DecisionPrompt},
		{"auto-edit sibling prefix", PolicyAutoEdit, []string{"/workspace2/x"}, DecisionPrompt},
		{"auto-edit escapes root", PolicyAutoEdit, []string{"../outside.txt"}, DecisionPrompt},
		{"full-auto inside roots", PolicyFullAuto, []string{"README.md"}, DecisionAllow},
		{"denied path wins", PolicyFullAuto, []string{".git/config"}, DecisionDeny},
		{"no paths", PolicyFullAuto, nil, DecisionPrompt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Check(tt.policy, Request{Kind: KindPatch, Paths: tt.paths}, ctx)
			if got.Decision != tt.want {
				t.Errorf("Check() = %v (%s), want %v", got.Decision, got.Reason, tt.want)
			}
		})
	}
}

func TestCheckUnknownKind(t *testing.T) {
	got := Check(PolicyFullAuto, Request{Kind: "teleport"}, Context{})
	if got.Decision != DecisionPrompt {
		t.Errorf("unknown kind = %v, want prompt", got.Decision)
	}
}

func TestClassifyCommand(t *testing.T) {
	tests := []struct {
		cmd  string
		want Operation
	}{
		{"ls -la", OpShellRead},
		{"lsof -i", OpShellWrite},
		{"git status", OpShellRead},
		{"git push origin main", OpShellNetwork},
		{"curl -s example.com", OpShellNetwork},
		{"cat a | sh", OpShellWrite},
		{"find . -name x -delete", OpShellWrite},
		{"go build ./...", OpShellWrite},
		{"echo $(rm -rf /)", OpShellWrite},
		{"ls\ntouch x", OpShellWrite},
		{"ls\r\ntouch x", OpShellWrite},
		{"git branch", OpShellRead},
		{"git branch -a -vv", OpShellRead},
		{"git branch -D main", OpShellWrite},
		{"git branch -df old", OpShellWrite},
		{"git branch --move a b", OpShellWrite},
		{"git branch -M main", OpShellWrite},
		{"find . -name '*.go'", OpShellRead},
		{"find . -fprint out.txt", OpShellWrite},
		{"find . -fprintf out.txt %p", OpShellWrite},
		{"find . -fls out.txt", OpShellWrite},
		{"find . -ok rm {} +", OpShellWrite},
		{"find . -okdir rm {} +", OpShellWrite},
		{"find . -execdir rm {} +", OpShellWrite},
		{"fd -x rm", OpShellWrite},
		{"git diff --stat", OpShellRead},
		{"git diff --output=patch.diff", OpShellWrite},
		{"git log --output out.txt", OpShellWrite},
		{"rg foo", OpShellRead},
		{"rg --pre ./run.sh foo", OpShellWrite},
		{"rg --pre=./run.sh foo", OpShellWrite},
		{"date +%s", OpShellRead},
		{"date -s 2020-01-01", OpShellWrite},
		{"go env GOPATH", OpShellRead},
		{"go env -w GOFLAGS=-x", OpShellWrite},
	}

	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			if got := ClassifyCommand(tt.cmd); got != tt.want {
				t.Errorf("ClassifyCommand(%q) = %v, want %v", tt.cmd, got, tt.want)
			}
		})
	}
}
