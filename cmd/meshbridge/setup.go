package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"meshbridge/internal/config"
	"meshbridge/internal/radio"

	"github.com/spf13/cobra"
)

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup: radio → Ollama → reply rules → save config",
		Long:  "Guides you through the radio link, the Ollama server and model, and the trigger and DM rules. Writes config to the path used by --config or the default.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.LoadFile(cfgPath)
			if err != nil {
				cfg = config.Defaults()
			}
			ports, err := radio.DiscoverPorts()
			if err != nil {
				logger.Warn("serial port discovery failed", "error", err)
			}

			if err := runSetup(os.Stdin, os.Stdout, cfg, ports); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			fmt.Printf("\nConfig saved to %s\n", cfgPath)
			fmt.Println("Next: run 'meshbridge doctor', then 'meshbridge run'.")
			return nil
		},
	}
}

// runSetup asks the setup questions on in/out and updates cfg. Empty answers
// keep the shown default.
func runSetup(in io.Reader, out io.Writer, cfg *config.Config, ports []string) error {
	reader := bufio.NewReader(in)
	prompt := func(def string) (string, error) {
		if def != "" {
			fmt.Fprintf(out, " [%s]: ", def)
		} else {
			fmt.Fprint(out, ": ")
		}
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" {
			return def, nil
		}
		return s, nil
	}
	yesNo := func(def bool) (bool, error) {
		d := "n"
		if def {
			d = "y"
		}
		ans, err := prompt(d)
		if err != nil {
			return false, err
		}
		return strings.HasPrefix(strings.ToLower(ans), "y"), nil
	}

	// Step 1: Radio
	fmt.Fprintln(out, "\n--- Step 1: Radio ---")
	fmt.Fprintln(out, "  0) auto-detect USB serial device")
	for i, p := range ports {
		fmt.Fprintf(out, "  %d) %s\n", i+1, p)
	}
	fmt.Fprintf(out, "  %d) network node (TCP)\n", len(ports)+1)
	fmt.Fprint(out, "Choose radio link")
	choice, err := prompt("0")
	if err != nil {
		return err
	}
	idx, err := strconv.Atoi(choice)
	if err != nil || idx < 0 || idx > len(ports)+1 {
		idx = 0
	}
	switch {
	case idx == 0:
		cfg.Transport.SerialPort = ""
		cfg.Transport.TCPHost = ""
	case idx <= len(ports):
		cfg.Transport.SerialPort = ports[idx-1]
		cfg.Transport.TCPHost = ""
	default:
		fmt.Fprint(out, "Node host or host:port")
		host, err := prompt(cfg.Transport.TCPHost)
		if err != nil {
			return err
		}
		if host == "" {
			return fmt.Errorf("a TCP host is required for a network node")
		}
		cfg.Transport.TCPHost = host
		cfg.Transport.SerialPort = ""
	}

	// Step 2: Ollama
	fmt.Fprintln(out, "\n--- Step 2: Ollama ---")
	fmt.Fprint(out, "Ollama URL")
	if cfg.LLM.Host, err = prompt(cfg.LLM.Host); err != nil {
		return err
	}
	fmt.Fprint(out, "Model")
	if cfg.LLM.Model, err = prompt(cfg.LLM.Model); err != nil {
		return err
	}

	// Step 3: Reply rules
	fmt.Fprintln(out, "\n--- Step 3: Reply rules ---")
	fmt.Fprint(out, "Trigger prefix (\"none\" answers every message)")
	prefix, err := prompt(strings.TrimSpace(cfg.Bridge.TriggerPrefix))
	if err != nil {
		return err
	}
	if strings.EqualFold(prefix, "none") {
		cfg.Bridge.TriggerPrefix = ""
	} else if prefix != "" {
		cfg.Bridge.TriggerPrefix = prefix + " "
	}
	fmt.Fprint(out, "Answer direct messages only? (y/n)")
	if cfg.Bridge.RespondToDMsOnly, err = yesNo(cfg.Bridge.RespondToDMsOnly); err != nil {
		return err
	}
	fmt.Fprint(out, "Max reply characters")
	maxChars, err := prompt(strconv.Itoa(cfg.Bridge.MaxReplyChars))
	if err != nil {
		return err
	}
	if n, err := strconv.Atoi(maxChars); err == nil && n > 0 {
		cfg.Bridge.MaxReplyChars = n
	}

	return config.Validate(cfg)
}
