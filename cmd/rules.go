package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dbreno/netwarden/internal/config"
	"github.com/dbreno/netwarden/internal/control"
	"github.com/dbreno/netwarden/internal/core"
	"github.com/dbreno/netwarden/internal/rules"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage the rule list",
	Long: `Manage the ordered rule list. A rule is identified by its position; deleting
a rule shifts the ones after it down by one.

Only block rules are enforced. Allow rules are kept in the list but never
match a packet.`,
}

// ruleFlags holds the field flags shared by add and update.
type ruleFlags struct {
	action   string
	protocol string
	srcIP    string
	dstIP    string
	srcPort  string
	dstPort  string
}

func (f *ruleFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.action, "action", "block", "block or allow")
	cmd.Flags().StringVar(&f.protocol, "protocol", "", "tcp, udp or icmp (empty matches any)")
	cmd.Flags().StringVar(&f.srcIP, "src-ip", "", "source address")
	cmd.Flags().StringVar(&f.dstIP, "dst-ip", "", "destination address")
	cmd.Flags().StringVar(&f.srcPort, "src-port", "", "source port (0-65535)")
	cmd.Flags().StringVar(&f.dstPort, "dst-port", "", "destination port (0-65535)")
}

// rule builds and validates the rule described by the flags.
func (f *ruleFlags) rule() (core.Rule, error) {
	r := core.Rule{
		Action:   core.Action(f.action),
		Protocol: f.protocol,
		SrcIP:    f.srcIP,
		DstIP:    f.dstIP,
	}
	if f.srcPort != "" {
		p, err := core.ParsePort(f.srcPort)
		if err != nil {
			return core.Rule{}, fmt.Errorf("--src-port: %w", err)
		}
		r.SrcPort = core.Port(p)
	}
	if f.dstPort != "" {
		p, err := core.ParsePort(f.dstPort)
		if err != nil {
			return core.Rule{}, fmt.Errorf("--dst-port: %w", err)
		}
		r.DstPort = core.Port(p)
	}
	if err := r.Validate(); err != nil {
		return core.Rule{}, err
	}
	return r, nil
}

var (
	addFlags    ruleFlags
	updateFlags ruleFlags
)

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rules in evaluation order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		listed, err := newClient().ListRules(cmd.Context())
		if err != nil {
			return err
		}
		return printRules(cmd.OutOrStdout(), listed)
	},
}

var rulesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Append a rule",
	Example: `  netwarden rules add --protocol tcp --dst-port 23
  netwarden rules add --action allow --src-ip 192.168.1.10`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRulesAdd(cmd.Context(), newClient(), cmd.OutOrStdout(), addFlags)
	},
}

var rulesUpdateCmd = &cobra.Command{
	Use:   "update INDEX",
	Short: "Replace the rule at INDEX",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := parseIndex(args[0])
		if err != nil {
			return err
		}
		return runRulesUpdate(cmd.Context(), newClient(), cmd.OutOrStdout(), index, updateFlags)
	},
}

var rulesDeleteCmd = &cobra.Command{
	Use:   "delete INDEX",
	Short: "Delete the rule at INDEX",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := parseIndex(args[0])
		if err != nil {
			return err
		}
		return runRulesDelete(cmd.Context(), newClient(), cmd.OutOrStdout(), index)
	},
}

var rulesReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reread the rule file",
	Long: `Make the daemon reread its rule file. A missing or malformed file keeps the
current rules.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		listed, err := newClient().ReloadRules(cmd.Context())
		if err != nil {
			return err
		}
		return printRules(cmd.OutOrStdout(), listed)
	},
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate [FILE]",
	Short: "Check a rule file without contacting the daemon",
	Long: `Decode and validate a rule file (JSON, or YAML for .yaml/.yml). FILE defaults
to rules.path from the config.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var path string
		if len(args) == 1 {
			path = args[0]
		} else {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			path = cfg.Rules.Path
		}
		return runRulesValidate(cmd.OutOrStdout(), path)
	},
}

func init() {
	addFlags.register(rulesAddCmd)
	updateFlags.register(rulesUpdateCmd)

	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesAddCmd)
	rulesCmd.AddCommand(rulesUpdateCmd)
	rulesCmd.AddCommand(rulesDeleteCmd)
	rulesCmd.AddCommand(rulesReloadCmd)
	rulesCmd.AddCommand(rulesValidateCmd)
}

func parseIndex(s string) (int, error) {
	index, err := strconv.Atoi(s)
	if err != nil || index < 0 {
		return 0, fmt.Errorf("invalid rule index %q", s)
	}
	return index, nil
}

func runRulesAdd(ctx context.Context, client controlClient, out io.Writer, f ruleFlags) error {
	r, err := f.rule()
	if err != nil {
		return err
	}
	index, err := client.AddRule(ctx, r)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "added rule %d: %s\n", index, r)
	return nil
}

func runRulesUpdate(ctx context.Context, client controlClient, out io.Writer, index int, f ruleFlags) error {
	r, err := f.rule()
	if err != nil {
		return err
	}
	if err := client.UpdateRule(ctx, index, r); err != nil {
		return err
	}
	fmt.Fprintf(out, "updated rule %d: %s\n", index, r)
	return nil
}

func runRulesDelete(ctx context.Context, client controlClient, out io.Writer, index int) error {
	if err := client.DeleteRule(ctx, index); err != nil {
		return err
	}
	fmt.Fprintf(out, "deleted rule %d\n", index)
	return nil
}

func runRulesValidate(out io.Writer, path string) error {
	parsed, err := rules.ReadFile(path)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}
	fmt.Fprintf(out, "VALID: %s, %d rule(s)\n", path, len(parsed))
	return nil
}

func printRules(out io.Writer, listed []control.IndexedRule) error {
	if jsonOutput {
		return printJSON(out, listed)
	}
	if len(listed) == 0 {
		fmt.Fprintln(out, "no rules")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tACTION\tPROTOCOL\tSOURCE\tDESTINATION")
	for _, r := range listed {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			r.Index, r.Action, orAny(r.Protocol), endpoint(r.SrcIP, r.SrcPort), endpoint(r.DstIP, r.DstPort))
	}
	return w.Flush()
}

func orAny(s string) string {
	if s == "" {
		return "any"
	}
	return s
}

func endpoint(ip string, port *uint16) string {
	host := orAny(ip)
	if port == nil {
		return host
	}
	return host + ":" + strconv.Itoa(int(*port))
}
