// Package safety classifies direct shell commands as allowed or blocked.
//
// The filter is a best-effort guard against accidental destructive commands
// typed by a trusted operator. It is not a security boundary: anything the
// external agent runs on its own is never seen here.
package safety

import (
	"path"
	"regexp"
	"strings"
)

// Verdict is the outcome of classifying a command.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Rule    string `json:"rule,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Rule names reported in blocked verdicts.
const (
	RuleRecursiveDelete = "recursive_delete"
	RuleDiskFormat      = "disk_format"
	RuleForkBomb        = "fork_bomb"
	RuleBlockDevice     = "block_device_write"
	RulePowerControl    = "power_control"
	RuleRecursivePerms  = "recursive_permissions"
)

var allowed = Verdict{Allowed: true}

func blocked(rule, reason string) Verdict {
	return Verdict{Allowed: false, Rule: rule, Reason: reason}
}

var (
	diskFormatPattern = regexp.MustCompile(`(^|[^a-z0-9_.-])(mkfs(\.[a-z0-9]+)?|mke2fs|mkswap|fdisk|sfdisk|cfdisk|parted|gdisk|sgdisk|wipefs)([^a-z0-9_-]|$)`)

	// Output targets under /dev that are harmless to write to.
	safeDevPattern = regexp.MustCompile(`^/dev/(null|zero|random|urandom|stdout|stderr|stdin|tty[a-z0-9]*|pts/[0-9]+|fd/[0-9]+)$`)

	ddTargetPattern    = regexp.MustCompile(`(^|\s)of=("|')?(/dev/[^\s"']+)`)
	redirectDevPattern = regexp.MustCompile(`>{1,2}\s*("|')?(/dev/[^\s"';|&)]+)`)

	forkBombPattern = regexp.MustCompile(`([a-z0-9_:.]+)\(\)\{([a-z0-9_:.]+)\|([a-z0-9_:.]+)&\}`)

	powerPattern = regexp.MustCompile(`(^|[^a-z0-9_.-])(shutdown|reboot|poweroff|halt)([^a-z0-9_-]|$)|(^|[^a-z0-9_.-])(init|telinit)\s+[06]([^0-9]|$)|systemctl\s+(poweroff|reboot|halt|kexec)`)

	segmentSeparator = regexp.MustCompile("\\|\\||&&|[;|&\\n`]|\\$\\(|\\)")
)

// Paths whose recursive removal is always blocked.
var protectedPaths = map[string]bool{
	"/": true, "/bin": true, "/boot": true, "/dev": true, "/etc": true,
	"/home": true, "/lib": true, "/lib32": true, "/lib64": true, "/opt": true,
	"/proc": true, "/root": true, "/sbin": true, "/srv": true, "/sys": true,
	"/usr": true, "/var": true, "/mnt": true, "/media": true,
}

// Classify applies the rule set to the literal command text.
func Classify(command string) Verdict {
	text := strings.ToLower(command)
	if strings.TrimSpace(text) == "" {
		return allowed
	}

	if v := checkForkBomb(text); !v.Allowed {
		return v
	}
	if diskFormatPattern.MatchString(text) {
		return blocked(RuleDiskFormat, "disk format or partitioning tool")
	}
	if v := checkDeviceWrites(text); !v.Allowed {
		return v
	}
	if powerPattern.MatchString(text) {
		return blocked(RulePowerControl, "host shutdown or reboot")
	}

	cwd := ""
	for _, segment := range segmentSeparator.Split(text, -1) {
		fields := strings.Fields(segment)
		if len(fields) > 0 && (fields[0] == "cd" || fields[0] == "pushd") {
			cwd = changeDir(cwd, fields[1:])
			continue
		}
		if v := checkSegment(fields, cwd); !v.Allowed {
			return v
		}
	}
	return allowed
}

// changeDir tracks where a cd earlier in the chain leaves the shell. An empty
// result means the workspace or somewhere unknown below it.
func changeDir(cwd string, args []string) string {
	var dir string
	for _, a := range args {
		if !strings.HasPrefix(a, "-") || a == "-" {
			dir = unquote(a)
			break
		}
	}
	switch {
	case dir == "" || dir == "~":
		return "~"
	case dir == "-":
		return ""
	case strings.HasPrefix(dir, "/"), strings.HasPrefix(dir, "~"), strings.HasPrefix(dir, "$"):
		return dir
	case cwd != "":
		return cwd + "/" + dir
	}
	return ""
}

func checkForkBomb(text string) Verdict {
	compact := strings.Join(strings.Fields(text), "")
	if strings.Contains(compact, ":(){:|:&};:") {
		return blocked(RuleForkBomb, "fork bomb")
	}
	for _, m := range forkBombPattern.FindAllStringSubmatch(compact, -1) {
		if m[1] == m[2] || m[1] == m[3] {
			return blocked(RuleForkBomb, "fork bomb")
		}
	}
	return allowed
}

func checkDeviceWrites(text string) Verdict {
	for _, m := range ddTargetPattern.FindAllStringSubmatch(text, -1) {
		if !safeDevPattern.MatchString(m[3]) {
			return blocked(RuleBlockDevice, "dd writing to device "+m[3])
		}
	}
	for _, m := range redirectDevPattern.FindAllStringSubmatch(text, -1) {
		if !safeDevPattern.MatchString(m[2]) {
			return blocked(RuleBlockDevice, "redirect into device "+m[2])
		}
	}
	return allowed
}

// checkSegment looks at every word of a simple command, so wrappers such as
// sudo, env or xargs in front of a destructive command do not hide it.
// Relative targets are resolved against cwd when a cd made it known.
func checkSegment(fields []string, cwd string) Verdict {
	words := make([]string, len(fields))
	for i, f := range fields {
		words[i] = unquote(f)
	}
	for i, w := range words {
		var v Verdict
		switch path.Base(w) {
		case "rm":
			v = checkRemove(words[i+1:], cwd)
		case "find":
			v = checkFindDelete(words[i+1:], cwd)
		case "chmod", "chown", "chgrp":
			v = checkRecursivePerms(words[i+1:], cwd)
		default:
			continue
		}
		if !v.Allowed {
			return v
		}
	}
	return allowed
}

func checkRemove(args []string, cwd string) Verdict {
	recursive := false
	var targets []string
	for _, a := range args {
		switch {
		case a == "--no-preserve-root":
			return blocked(RuleRecursiveDelete, "rm with --no-preserve-root")
		case a == "--recursive":
			recursive = true
		case strings.HasPrefix(a, "--"):
		case strings.HasPrefix(a, "-") && len(a) > 1:
			if strings.ContainsAny(a[1:], "r") {
				recursive = true
			}
		default:
			targets = append(targets, a)
		}
	}
	if !recursive {
		return allowed
	}
	for _, t := range targets {
		if reason, ok := dangerousTarget(resolve(cwd, t)); ok {
			return blocked(RuleRecursiveDelete, "recursive delete of "+reason)
		}
	}
	return allowed
}

func checkFindDelete(args []string, cwd string) Verdict {
	deletes := false
	for _, a := range args {
		if a == "-delete" || a == "rm" {
			deletes = true
		}
	}
	if !deletes {
		return allowed
	}
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			break
		}
		if reason, ok := dangerousTarget(resolve(cwd, a)); ok {
			return blocked(RuleRecursiveDelete, "find -delete over "+reason)
		}
	}
	return allowed
}

func checkRecursivePerms(args []string, cwd string) Verdict {
	recursive := false
	for _, a := range args {
		if a == "--recursive" || (strings.HasPrefix(a, "-") && !strings.HasPrefix(a, "--") && strings.Contains(a, "r")) {
			recursive = true
		}
	}
	if !recursive {
		return allowed
	}
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			continue
		}
		if reason, ok := dangerousTarget(resolve(cwd, a)); ok {
			return blocked(RuleRecursivePerms, "recursive permission change of "+reason)
		}
	}
	return allowed
}

// resolve joins a relative target onto the directory a cd moved to.
func resolve(cwd, target string) string {
	if cwd == "" || strings.HasPrefix(target, "/") || strings.HasPrefix(target, "~") || strings.HasPrefix(target, "$") {
		return target
	}
	return cwd + "/" + target
}

// dangerousTarget reports whether a path argument names the filesystem root,
// a home directory, a top-level system directory, a parent of the workspace,
// or an unexpanded variable rooted path that may resolve to one of those.
func dangerousTarget(target string) (string, bool) {
	t := strings.TrimSpace(target)
	if t == "" {
		return "", false
	}

	switch {
	case t == "~" || strings.HasPrefix(t, "~/") && isShallow(strings.TrimPrefix(t, "~")):
		return "home directory", true
	case strings.HasPrefix(t, "~"):
		// ~name is another user's home.
		name, rest, _ := strings.Cut(t[1:], "/")
		if name != "" && isShallow(rest) {
			return "home directory of " + name, true
		}
	case strings.HasPrefix(t, "$home") || strings.HasPrefix(t, "${home}"):
		rest := strings.TrimPrefix(strings.TrimPrefix(t, "${home}"), "$home")
		if isShallow(rest) {
			return "home directory", true
		}
	case strings.HasPrefix(t, "$"):
		// $DIR/ or ${DIR}/* expands to the root when DIR is empty.
		if i := strings.Index(t, "/"); i > 0 && isShallow(t[i:]) {
			return "variable-prefixed root path", true
		}
	case strings.HasPrefix(t, "/"):
		clean := path.Clean(strings.TrimSuffix(t, "*"))
		if clean == "/" || clean == "/." {
			return "filesystem root", true
		}
		first, _, _ := strings.Cut(clean[1:], "/")
		if strings.ContainsAny(first, "*?[{") {
			return "filesystem root", true
		}
		if protectedPaths[clean] {
			return clean, true
		}
		if strings.HasPrefix(clean, "/home/") && strings.Count(clean, "/") == 2 {
			return "home directory " + clean, true
		}
	default:
		if onlyParents(path.Clean(strings.TrimSuffix(t, "*"))) {
			return "parent directory of the workspace", true
		}
	}
	return "", false
}

// onlyParents reports whether a cleaned relative path is made of ".." alone.
func onlyParents(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg != ".." {
			return false
		}
	}
	return true
}

// isShallow reports whether p (relative to some root) stays at that root,
// e.g. "", "/", "/*", "/.".
func isShallow(p string) bool {
	p = strings.TrimSuffix(p, "*")
	return path.Clean("/"+p) == "/"
}

var quoteStripper = strings.NewReplacer(`"`, "", `'`, "")

func unquote(s string) string {
	return quoteStripper.Replace(s)
}
