package approval

import "strings"

// Operation represents the effect class of a shell command.
type Operation int

const (
	OpShellRead    Operation = iota // only reads (ls, cat, git status)
	OpShellWrite                    // may modify state
	OpShellNetwork                  // may reach the network
)

// String returns the operation name.
func (o Operation) String() string {
	switch o {
	case OpShellRead:
		return "shell:read"
	case OpShellWrite:
		return "shell:write"
	case OpShellNetwork:
		return "shell:network"
	default:
		return "unknown"
	}
}

// NetworkCommands contains patterns that indicate network access.
var NetworkCommands = []string{
	"curl", "wget", "ssh", "scp", "rsync",
	"git clone", "git fetch", "git pull", "git push",
	"npm publish", "npm install",
	"pip install",
	"docker pull", "docker push",
}

var readOnlyCommands = []string{
	"ls", "cat", "head", "tail", "grep", "rg", "find", "fd",
	"wc", "diff", "file", "stat", "which", "type",
	"pwd", "whoami", "date",
	"git status", "git log", "git diff", "git show", "git branch",
	"go version", "go list", "go env",
	"node --version", "npm list", "npm view",
	"python --version", "pip list", "pip show",
	"echo",
}

// ClassifyCommand determines the operation type for a shell command.
func ClassifyCommand(cmd string) Operation {
	cmdLower := strings.ToLower(strings.TrimSpace(cmd))

	for _, netCmd := range NetworkCommands {
		if hasCommandPrefix(cmdLower, netCmd) || strings.Contains(cmdLower, " "+netCmd+" ") {
			return OpShellNetwork
		}
	}

	if isReadOnlyCommand(cmdLower) {
		return OpShellRead
	}

	return OpShellWrite
}

// unsafeArgs lists arguments that make an otherwise read-only command
// write, delete or run other programs. Keys are lowercased prefixes from
// readOnlyCommands; two-character flags also match inside bundles like -df.
var unsafeArgs = map[string][]string{
	"find":       {"-delete", "-exec", "-execdir", "-ok", "-okdir", "-fprint", "-fprint0", "-fprintf", "-fls"},
	"fd":         {"-x", "--exec", "--exec-batch"},
	"rg":         {"--pre"},
	"file":       {"-c", "--compile"},
	"date":       {"-s", "--set"},
	"git branch": {"-d", "-m", "-c", "-f", "-u", "--delete", "--move", "--copy", "--force", "--set-upstream-to", "--unset-upstream", "--edit-description"},
	"git diff":   {"--output"},
	"git log":    {"--output"},
	"git show":   {"--output"},
	"go env":     {"-w", "-u"},
}

// chainMarkers are shell syntax that can run a second command or redirect
// output, turning any command into a write.
var chainMarkers = []string{">", "|", ";", "&", "`", "$(", "\n", "\r"}

// isReadOnlyCommand checks if a lowercased shell command is read-only.
func isReadOnlyCommand(cmd string) bool {
	for _, marker := range chainMarkers {
		if strings.Contains(cmd, marker) {
			return false
		}
	}
	for _, prefix := range readOnlyCommands {
		if hasCommandPrefix(cmd, prefix) {
			return !hasUnsafeArg(strings.Fields(cmd[len(prefix):]), unsafeArgs[prefix])
		}
	}
	return false
}

func hasUnsafeArg(args, unsafe []string) bool {
	for _, arg := range args {
		for _, flag := range unsafe {
			if arg == flag || strings.HasPrefix(arg, flag+"=") {
				return true
			}
			if len(flag) == 2 && len(arg) > 2 && arg[0] == '-' && arg[1] != '-' && strings.ContainsRune(arg[1:], rune(flag[1])) {
				return true
			}
		}
	}
	return false
}

// hasCommandPrefix matches prefix as whole words, so "ls" matches "ls -la"
// but not "lsof".
func hasCommandPrefix(cmd, prefix string) bool {
	if !strings.HasPrefix(cmd, prefix) {
		return false
	}
	return len(cmd) == len(prefix) || cmd[len(prefix)] == ' '
}
