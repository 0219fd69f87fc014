package process

import (
	"path/filepath"
	"strings"
)

// ShellArgv rewrites argv for platforms where the binary needs a shell. On Windows,
// npm-style .cmd and .bat launchers cannot be exec'd directly and go through
// cmd.exe /C with every argument quoted. Everything else runs argv as-is.
func ShellArgv(goos string, argv []string) []string {
	if goos != "windows" || len(argv) == 0 {
		return argv
	}
	switch strings.ToLower(filepath.Ext(argv[0])) {
	case ".cmd", ".bat":
	default:
		return argv
	}

	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = QuoteWindowsArg(arg)
	}
	return []string{"cmd.exe", "/C", strings.Join(quoted, " ")}
}

// QuoteWindowsArg quotes arg for cmd.exe: embedded quotes are doubled and the shell
// metacharacters lose their meaning inside the quotes.
func QuoteWindowsArg(arg string) string {
	return `"` + strings.ReplaceAll(arg, `"`, `""`) + `"`
}
