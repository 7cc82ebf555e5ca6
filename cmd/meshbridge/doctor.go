package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"meshbridge/internal/memory"
	"meshbridge/internal/radio"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your meshbridge installation",
		Long: `Verifies that meshbridge's configuration, data directory, history database,
Ollama server and radio link are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("meshbridge doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file
			if _, err := os.Stat(cfgPath); err != nil {
				printWarn("Config file", fmt.Sprintf("not found at %s (using defaults and environment)", cfgPath))
				warned++
			} else {
				printPass("Config file", cfgPath)
				passed++
			}

			// 2. Config loads and validates
			cfg, err := loadConfig()
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return fmt.Errorf("%d check(s) failed", failed)
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Data directory
			if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
				printFail("Data directory", err.Error())
				failed++
			} else {
				printPass("Data directory", cfg.Storage.DataDir)
				passed++
			}

			// 4. Database writable
			if n, v, err := checkDatabase(cfg.Storage.DataDir); err != nil {
				printFail("Database", err.Error())
				failed++
			} else {
				printPass("Database", fmt.Sprintf("%s (schema v%d, %d messages)", cfg.DBPath(), v, n))
				passed++
			}

			// 5. Ollama reachable
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = newOllama(cfg).Healthy(ctx)
			cancel()
			if err != nil {
				printFail("Ollama", err.Error())
				failed++
			} else {
				printPass("Ollama", fmt.Sprintf("%s (model %s)", cfg.LLM.Host, cfg.LLM.Model))
				passed++
			}

			// 6. Radio link
			switch {
			case cfg.Transport.TCPHost != "":
				if err := checkTCP(radio.TCPAddr(cfg.Transport.TCPHost)); err != nil {
					printFail("Radio (TCP)", err.Error())
					failed++
				} else {
					printPass("Radio (TCP)", radio.TCPAddr(cfg.Transport.TCPHost))
					passed++
				}
			case cfg.Transport.SerialPort != "":
				if _, err := os.Stat(cfg.Transport.SerialPort); err != nil {
					printFail("Radio (serial)", err.Error())
					failed++
				} else {
					printPass("Radio (serial)", cfg.Transport.SerialPort)
					passed++
				}
			default:
				ports, err := radio.DiscoverPorts()
				if err != nil || len(ports) == 0 {
					if err == nil {
						err = errors.New("no /dev/ttyACM* or /dev/ttyUSB* devices found")
					}
					printWarn("Radio (auto)", err.Error())
					warned++
				} else {
					printPass("Radio (auto)", fmt.Sprintf("%v", ports))
					passed++
				}
			}

			// 7. Status listener
			if cfg.Status.Enabled {
				if err := checkListen(cfg.Status.Listen); err != nil {
					printWarn("Status server", fmt.Sprintf("%s may be in use: %v", cfg.Status.Listen, err))
					warned++
				} else {
					printPass("Status server", cfg.Status.Listen+" available")
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running meshbridge.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nmeshbridge should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! meshbridge is ready to run.\n")
			}
			return nil
		},
	}
}

// checkDatabase opens (and migrates) the history store and reports its row
// count and schema version.
func checkDatabase(dataDir string) (int64, int, error) {
	store, err := memory.Open(dataDir, logger)
	if err != nil {
		return 0, 0, err
	}
	defer store.Close()

	version, err := store.SchemaVersion()
	if err != nil {
		return 0, 0, fmt.Errorf("schema version: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := store.Count(ctx)
	if err != nil {
		return 0, 0, err
	}
	return n, version, nil
}

func checkTCP(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}

func checkListen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
