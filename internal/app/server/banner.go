package server

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"companion-gateway/internal/version"
)

const (
	bannerWidth = 60
)

var (
	bannerCyan    = color.New(color.FgCyan).SprintFunc()
	bannerMagenta = color.New(color.FgMagenta).SprintFunc()
	bannerBold    = color.New(color.Bold).SprintFunc()
	bannerGreen   = color.New(color.FgGreen).SprintFunc()
	bannerFaint   = color.New(color.Faint).SprintFunc()
)

// DisplayStartupBanner 显示启动信息横幅；color 在非终端输出时自动去掉颜色
func (s *Server) DisplayStartupBanner(w io.Writer, configPath string) {
	displayLogo(w)
	displayInstanceInfo(w, s, configPath)
	displayListeners(w, s)
	displayFooter(w)
}

func displayLogo(w io.Writer) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %s  %s\n", bannerCyan("((•))"), bannerBold("Companion Gateway"))
	fmt.Fprintf(w, "  %s  %s\n", bannerMagenta(" /|\\ "), bannerFaint("Version "+version.GetShortVersion()))
	fmt.Fprintln(w)
}

func section(w io.Writer, title string) {
	fmt.Fprintln(w, bannerBold("  "+title))
	fmt.Fprintln(w, bannerFaint("  "+strings.Repeat("─", bannerWidth)))
}

func displayInstanceInfo(w io.Writer, s *Server, configPath string) {
	section(w, "Instance")

	if configPath == "" {
		configPath = "(defaults + environment)"
	}
	rows := []struct {
		label string
		value string
	}{
		{"Instance ID", s.deps.InstanceID},
		{"Config File", configPath},
		{"Start Time", time.Now().Format("2006-01-02 15:04:05")},
		{"Shared Store", formatStoreInfo(s)},
		{"Registry", formatRegistryInfo(s)},
		{"Resume Window", s.config.Session.ResumeWindow.String()},
	}
	for _, row := range rows {
		fmt.Fprintf(w, "  %-18s %s\n", bannerBold(row.label+":"), row.value)
	}
	fmt.Fprintln(w)
}

func displayListeners(w io.Writer, s *Server) {
	section(w, "Listeners")
	fmt.Fprintf(w, "  %-18s %s\n", bannerBold("Public:"), listenerStatus(s.config.Server.Listen, "/v1/claim /v1/stream"))
	fmt.Fprintf(w, "  %-18s %s\n", bannerBold("Admin:"), listenerStatus(s.config.Server.AdminListen, "/admin/drain /metrics"))
	fmt.Fprintln(w)
}

func listenerStatus(addr, routes string) string {
	if addr == "" {
		return bannerFaint("✗ Disabled")
	}
	return fmt.Sprintf("%s %s %s", bannerGreen("✓"), addr, bannerFaint("("+routes+")"))
}

func displayFooter(w io.Writer) {
	fmt.Fprintln(w, bannerFaint("  "+strings.Repeat("━", bannerWidth)))
	fmt.Fprintln(w)
}

func formatStoreInfo(s *Server) string {
	cfg := s.config.Redis
	if cfg.IsEmbedded() {
		return "Embedded (single instance)"
	}
	return fmt.Sprintf("Redis (%s)", cfg.Addr)
}

func formatRegistryInfo(s *Server) string {
	cfg := s.config.Postgres
	if !cfg.Enabled {
		return "Memory"
	}
	return fmt.Sprintf("Postgres (cache %d)", cfg.CacheSize)
}
