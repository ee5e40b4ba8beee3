// ABOUTME: Interactive config file creation for beacon-orchestrator
// ABOUTME: Prompts for each setting with defaults and writes the result as YAML

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/2389/beacon-orchestrator/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new config file interactively",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInit(bufio.NewReader(cmd.InOrStdin()), cmd.OutOrStdout())
	},
}

func runInit(reader *bufio.Reader, out io.Writer) error {
	fmt.Fprintln(out, "beacon-orchestrator configuration setup")
	fmt.Fprintln(out, "=======================================")
	fmt.Fprintln(out)

	outputFile := prompt(reader, out, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		if !isYes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	cfg, err := promptConfig(reader, out)
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	content := "# beacon-orchestrator configuration\n# Generated by beacon-orchestrator init\n\n" + string(data)

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	green := color.New(color.FgGreen)
	fmt.Fprintln(out)
	green.Fprintf(out, "  ✓ Config written to %s\n", outputFile)
	green.Fprintf(out, "  ✓ Ledger: %s (%s)\n", cfg.Storage.Path, cfg.Storage.Driver)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  beacon-orchestrator agents add https://arl.example:5003")
	fmt.Fprintln(out, "  beacon-orchestrator scan example.com")

	return nil
}

// promptConfig asks for every setting and returns a validated config.
func promptConfig(reader *bufio.Reader, out io.Writer) (*config.Config, error) {
	cfg := config.Default()

	fmt.Fprintln(out, "\n--- Storage ---")
	cfg.Storage.Driver = prompt(reader, out, "Ledger driver (file/sqlite)", config.StorageDriverFile)
	defaultPath := filepath.Join(getDataPath(), "ledger.json")
	if cfg.Storage.Driver == config.StorageDriverSQLite {
		defaultPath = filepath.Join(getDataPath(), "ledger.db")
	}
	cfg.Storage.Path = prompt(reader, out, "Ledger path", defaultPath)
	if isYes(prompt(reader, out, "Encrypt stored agent credentials?", "yes")) {
		key, err := randomKey()
		if err != nil {
			return nil, err
		}
		cfg.Storage.SecretKey = key
	}

	fmt.Fprintln(out, "\n--- Agents ---")
	cfg.Agents.Username = prompt(reader, out, "Default ARL username", cfg.Agents.Username)
	cfg.Agents.Password = prompt(reader, out, "Default ARL password (${VAR} expands from the environment)", cfg.Agents.Password)
	cfg.Agents.InsecureTLS = isYes(prompt(reader, out, "Accept self-signed agent certificates?", "yes"))

	fmt.Fprintln(out, "\n--- Dispatch ---")
	maxActive, err := strconv.Atoi(prompt(reader, out, "Skip agents with more active jobs than", strconv.Itoa(cfg.Dispatch.MaxActiveJobs)))
	if err != nil {
		return nil, fmt.Errorf("parsing max active jobs: %w", err)
	}
	cfg.Dispatch.MaxActiveJobs = maxActive

	fmt.Fprintln(out, "\n--- Monitoring ---")
	if cfg.Monitor.PollInterval, err = promptDuration(reader, out, "Status poll interval", cfg.Monitor.PollIntervalRaw); err != nil {
		return nil, err
	}
	cfg.Monitor.PollIntervalRaw = cfg.Monitor.PollInterval.String()
	if cfg.Monitor.Dwell, err = promptDuration(reader, out, "Minimum time between result fetches", cfg.Monitor.DwellRaw); err != nil {
		return nil, err
	}
	cfg.Monitor.DwellRaw = cfg.Monitor.Dwell.String()

	fmt.Fprintln(out, "\n--- Logging ---")
	cfg.Logging.Level = prompt(reader, out, "Log level (debug/info/warn/error)", cfg.Logging.Level)
	cfg.Logging.Format = prompt(reader, out, "Log format (text/json)", cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func promptDuration(reader *bufio.Reader, out io.Writer, question, defaultVal string) (time.Duration, error) {
	raw := prompt(reader, out, question, defaultVal)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing %q: %w", raw, err)
	}
	return d, nil
}

func randomKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func isYes(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}
