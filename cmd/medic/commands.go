package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hostmedic/internal/doctor"
	"hostmedic/internal/executor"
	"hostmedic/internal/ledger"
	"hostmedic/internal/playbook"
	"hostmedic/internal/policy"
	"hostmedic/internal/registry"
	"hostmedic/internal/types"
)

// ===== INIT =====

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the state directory with editable defaults",
	Long: `Writes config.yaml, the specialist definitions and the risk-policy
table into the state directory. Existing files are left untouched.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	cfgPath := filepath.Join(cfg.StateDir, ConfigFileName)
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := cfg.Save(cfgPath); err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "kept  %s\n", cfgPath)
	}

	wrote, err := registry.WriteDefaults(cfg.RegistryPath())
	if err != nil {
		return fmt.Errorf("write specialists: %w", err)
	}
	report(out, wrote, cfg.RegistryPath())

	wrote, err = policy.WriteDefaultStore(cfg.PolicyPath())
	if err != nil {
		return err
	}
	report(out, wrote, cfg.PolicyPath())

	if err := os.MkdirAll(cfg.CasesDir(), 0o750); err != nil {
		return fmt.Errorf("create cases directory: %w", err)
	}
	logger.Info("State directory initialized", zap.String("state_dir", cfg.StateDir))
	return nil
}

func report(w io.Writer, wrote bool, path string) {
	if wrote {
		fmt.Fprintf(w, "wrote %s\n", path)
	} else {
		fmt.Fprintf(w, "kept  %s\n", path)
	}
}

// ===== DIAGNOSE / FIX =====

var (
	intentTags   []string
	evidenceFile string

	fixPlaybook    string
	fixUnit        string
	fixPath        string
	fixContentFile string
	fixConfirm     string
)

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose [problem description]",
	Short: "Diagnose a problem without changing anything",
	Example: `  medic diagnose no sound
  medic diagnose --tag boot_problem "boot got slower"
  medic diagnose --evidence recorded.yaml wifi keeps disconnecting`,
	Args: cobra.ArbitraryArgs,
	RunE: runDiagnose,
}

var fixCmd = &cobra.Command{
	Use:   "fix [problem description]",
	Short: "Diagnose, then propose and run a confirmed repair",
	Long: `Runs a diagnosis and, when it supports a repair, shows the plan and
asks for the exact confirmation phrase of its risk tier:

  low     I CONFIRM (low risk)
  medium  I CONFIRM (medium risk)
  high    I CONFIRM (high risk)

Plans blocked by the risk policy are never run, whatever is typed.`,
	Example: `  medic fix no sound
  medic fix --playbook restart_service --unit cups.service printing broke after boot
  medic fix --playbook edit_config --path /etc/foo.conf --content-file new.conf boot config`,
	Args: cobra.ArbitraryArgs,
	RunE: runFix,
}

func init() {
	for _, c := range []*cobra.Command{diagnoseCmd, fixCmd} {
		c.Flags().StringSliceVar(&intentTags, "tag", nil, "Intent tag (repeatable)")
		c.Flags().StringVar(&evidenceFile, "evidence", "", "Load evidence from a YAML fixture instead of probing the host")
	}
	fixCmd.Flags().StringVar(&fixPlaybook, "playbook", "", "Playbook to run instead of the suggested one")
	fixCmd.Flags().StringVar(&fixUnit, "unit", "", "Unit for unit-scoped playbooks")
	fixCmd.Flags().StringVar(&fixPath, "path", "", "File for config-edit playbooks")
	fixCmd.Flags().StringVar(&fixContentFile, "content-file", "", "New content for --path")
	fixCmd.Flags().StringVar(&fixConfirm, "confirm", "", "Confirmation phrase (otherwise read from stdin)")
}

func runDiagnose(cmd *cobra.Command, args []string) error {
	return handle(cmd, doctor.Request{Text: joinArgs(args), IntentTags: intentTags})
}

func runFix(cmd *cobra.Command, args []string) error {
	req := doctor.Request{
		Text:       joinArgs(args),
		IntentTags: intentTags,
		Fix:        true,
		Playbook:   fixPlaybook,
		Target:     playbook.Target{Unit: fixUnit, Path: fixPath},
	}
	if fixContentFile != "" {
		data, err := os.ReadFile(fixContentFile)
		if err != nil {
			return fmt.Errorf("read --content-file: %w", err)
		}
		req.Target.Content = data
	}
	req.Confirmer = promptConfirmer(cmd.InOrStdin(), cmd.OutOrStdout(), fixConfirm)
	return handle(cmd, req)
}

// promptConfirmer shows the preview and reads the phrase from in, unless a
// phrase was given up front.
func promptConfirmer(in io.Reader, out io.Writer, given string) executor.Confirmer {
	reader := bufio.NewReader(in)
	return executor.ConfirmerFunc(func(ctx context.Context, p executor.Prompt) (string, error) {
		fmt.Fprintf(out, "\n%s\n", p.Preview)
		if given != "" {
			return given, nil
		}
		fmt.Fprintf(out, "Type %q to proceed: ", p.Phrase)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("no confirmation received: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	})
}

func handle(cmd *cobra.Command, req doctor.Request) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if evidenceFile != "" {
		cfg.Evidence.Fixture = evidenceFile
	}
	ctx, cancel := commandContext()
	defer cancel()

	inst, err := doctor.Boot(ctx, cfg)
	if err != nil {
		return err
	}
	defer inst.Shutdown()

	res, err := inst.Handle(ctx, req)
	if res != nil {
		if jsonOut {
			if perr := printJSON(cmd.OutOrStdout(), res.CasePath); perr != nil {
				return perr
			}
		} else {
			renderResult(cmd.OutOrStdout(), res)
		}
	}
	if err != nil {
		if rec := types.RecoveryOf(err); rec != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "\nROLLBACK FAILED. Restore the system manually with:\n  %s\n", rec)
		}
		return err
	}
	return nil
}

// ===== STATUS =====

var recentCount int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize recent cases and mutation outcomes",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().IntVarP(&recentCount, "recent", "n", 5, "Number of recent cases to list")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	led, err := ledger.Open(cfg.CasesDir(), cfg.LedgerDBPath())
	if err != nil {
		return err
	}
	defer led.Shutdown()

	status, err := led.Status()
	if err != nil {
		return err
	}
	recent, err := led.Recent(recentCount)
	if err != nil {
		return err
	}
	if jsonOut {
		return writeJSON(cmd.OutOrStdout(), struct {
			ledger.Status
			Recent []ledger.Summary `json:"recent"`
		}{status, recent})
	}
	renderStatus(cmd.OutOrStdout(), status, recent)
	return nil
}

// ===== SPECIALISTS =====

var specialistsCmd = &cobra.Command{
	Use:   "specialists",
	Short: "List the diagnostic specialists and their repair playbooks",
	Args:  cobra.NoArgs,
	RunE:  runSpecialists,
}

func runSpecialists(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg, err := registry.Open(cfg.RegistryPath(), playbook.Known)
	if err != nil {
		return err
	}
	snap := reg.Snapshot()
	if jsonOut {
		return writeJSON(cmd.OutOrStdout(), snap.All())
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Specialists from %s (version %d)\n", snap.Source(), snap.Version())
	for _, def := range snap.All() {
		state := ""
		if !def.Enabled {
			state = " [disabled]"
		}
		fmt.Fprintf(out, "\n%s (%s, priority %d)%s\n", def.Name, def.ID, def.Priority, state)
		fmt.Fprintf(out, "  evidence:  %s\n", joinTopics(def))
		playbooks := append([]string(nil), def.AllowedPlaybooks...)
		sort.Strings(playbooks)
		for _, id := range playbooks {
			t, _ := playbook.Lookup(id)
			fmt.Fprintf(out, "  playbook:  %-24s %-9s %s\n", id, t.Risk, t.Description)
		}
	}
	return nil
}

func joinTopics(def registry.Definition) string {
	parts := make([]string, 0, len(def.RequiredEvidence)+len(def.OptionalEvidence))
	for _, t := range def.RequiredEvidence {
		parts = append(parts, string(t))
	}
	for _, t := range def.OptionalEvidence {
		parts = append(parts, string(t)+"?")
	}
	return strings.Join(parts, ", ")
}

// ===== CASE =====

var verifyCase bool

var caseCmd = &cobra.Command{
	Use:   "case <run-id>",
	Short: "Print a case file",
	Args:  cobra.ExactArgs(1),
	RunE:  runCase,
}

func init() {
	caseCmd.Flags().BoolVar(&verifyCase, "verify", false, "Check the case digest instead of printing it")
}

func runCase(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	led, err := ledger.Open(cfg.CasesDir(), cfg.LedgerDBPath())
	if err != nil {
		return err
	}
	defer led.Shutdown()

	if verifyCase {
		if err := led.Verify(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "case %s: digest ok\n", args[0])
		return nil
	}
	path, err := led.Path(args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), path)
}

// ===== OUTPUT =====

func printJSON(w io.Writer, path string) error {
	if path == "" {
		return fmt.Errorf("no case file recorded")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
