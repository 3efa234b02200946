// Package version 构建版本信息
package version

import (
	"runtime/debug"
	"strings"
)

// 构建时通过 -ldflags "-X companion-gateway/internal/version.Version=..." 注入
var (
	Version   = ""
	GitCommit = ""
	BuildTime = ""
)

// resolve 未注入时退回到模块构建信息
func resolve() (string, string) {
	v, commit := Version, GitCommit
	if v != "" {
		return strings.TrimPrefix(v, "v"), commit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev", commit
	}
	if mv := info.Main.Version; mv != "" && mv != "(devel)" {
		v = strings.TrimPrefix(mv, "v")
	} else {
		v = "dev"
	}
	if commit == "" {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				commit = s.Value
			}
		}
	}
	return v, commit
}

// GetShortVersion 简短版本号，如 v1.2.0
func GetShortVersion() string {
	v, _ := resolve()
	return "v" + v
}

// GetVersion 带提交与构建时间的完整版本信息
func GetVersion() string {
	v, commit := resolve()
	out := "v" + v
	if len(commit) > 8 {
		commit = commit[:8]
	}
	if commit != "" {
		out += " commit " + commit
	}
	if BuildTime != "" {
		out += " (built " + BuildTime + ")"
	}
	return out
}
