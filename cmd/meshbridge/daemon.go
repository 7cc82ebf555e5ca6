package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"meshbridge/internal/config"

	"github.com/spf13/cobra"
)

const (
	launchdLabel = "com.meshbridge.bridge"
	systemdUnit  = "meshbridge.service"
)

func installDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install meshbridge as a user service (systemd/launchd)",
		Long: `Generates and installs a service file that runs 'meshbridge run' at login and
restarts it on failure. On Linux the user needs access to the serial device
(usually membership of the dialout group).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}

			switch runtime.GOOS {
			case "linux":
				return installSystemd(home, execPath, resolveConfigPath())
			case "darwin":
				return installLaunchd(home, execPath, resolveConfigPath())
			default:
				return fmt.Errorf("unsupported OS: %s (supported: linux, darwin)", runtime.GOOS)
			}
		},
	}
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the meshbridge user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			var path string
			switch runtime.GOOS {
			case "linux":
				path = systemdUnitPath(home)
			case "darwin":
				path = launchdPlistPath(home)
			default:
				return fmt.Errorf("unsupported OS: %s", runtime.GOOS)
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Printf("Service uninstalled: %s\n", path)
			return nil
		},
	}
}

func systemdUnitPath(home string) string {
	return filepath.Join(home, ".config", "systemd", "user", systemdUnit)
}

func launchdPlistPath(home string) string {
	return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
}

func renderTemplate(tmpl string, vars map[string]string) string {
	for k, v := range vars {
		tmpl = strings.ReplaceAll(tmpl, "{{"+k+"}}", v)
	}
	return tmpl
}

func installSystemd(home, execPath, cfgPath string) error {
	unitPath := systemdUnitPath(home)
	unit := renderTemplate(systemdTemplate, map[string]string{"EXEC": execPath, "CONFIG": cfgPath})

	if err := os.MkdirAll(filepath.Dir(unitPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(unitPath, []byte(unit), 0o644); err != nil {
		return err
	}

	fmt.Printf("Service installed: %s\n", unitPath)
	fmt.Printf("To start:  systemctl --user start meshbridge\n")
	fmt.Printf("To enable: systemctl --user enable meshbridge\n")
	fmt.Printf("Logs:      journalctl --user -u meshbridge -f\n")
	return nil
}

func installLaunchd(home, execPath, cfgPath string) error {
	plistPath := launchdPlistPath(home)
	logDir := filepath.Join(config.DefaultConfigDir(), "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}

	plist := renderTemplate(launchdTemplate, map[string]string{
		"LABEL":   launchdLabel,
		"EXEC":    execPath,
		"CONFIG":  cfgPath,
		"LOG":     filepath.Join(logDir, "meshbridge.out.log"),
		"ERR_LOG": filepath.Join(logDir, "meshbridge.err.log"),
	})

	if err := os.MkdirAll(filepath.Dir(plistPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(plistPath, []byte(plist), 0o644); err != nil {
		return err
	}

	fmt.Printf("Service installed: %s\n", plistPath)
	fmt.Printf("To start: launchctl load %s\n", plistPath)
	fmt.Printf("To stop:  launchctl unload %s\n", plistPath)
	return nil
}

const systemdTemplate = `[Unit]
Description=meshbridge Meshtastic to Ollama bridge
After=network-online.target

[Service]
Type=simple
ExecStart={{EXEC}} run --config {{CONFIG}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{LABEL}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{EXEC}}</string>
        <string>run</string>
        <string>--config</string>
        <string>{{CONFIG}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{LOG}}</string>
    <key>StandardErrorPath</key>
    <string>{{ERR_LOG}}</string>
</dict>
</plist>
`
