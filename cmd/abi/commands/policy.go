// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/abi/cmd/abi/cli"
	"github.com/bureau-foundation/abi/lib/errkind"
	"github.com/bureau-foundation/abi/lib/policy"
)

func policyCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "policy",
		Summary: "Evaluate static and declared policy offline",
		Subcommands: []*cli.Command{
			policyResolveCommand(out),
			policyCheckCommand(out),
		},
	}
}

// policyInputs are the flags shared by the policy commands.
type policyInputs struct {
	global       globalFlags
	staticFile   string
	declarations []string
	roles        []string
	mode         string
	allowUnknown bool
}

func (p *policyInputs) register(flagSet *pflag.FlagSet) {
	p.global.register(flagSet)
	flagSet.StringVar(&p.staticFile, "static", "", "static catalog (JSONC); default policy.static_file")
	flagSet.StringArrayVar(&p.declarations, "declare", nil, "ae-id=file with a JSONC capability declaration, repeatable")
	flagSet.StringArrayVar(&p.roles, "role", nil, "ae-id=role assignment, repeatable")
	flagSet.StringVar(&p.mode, "mode", "", "strict or additive; default policy.mode")
	flagSet.BoolVar(&p.allowUnknown, "allow-unknown", false, "grant declared subjects missing from the catalog (additive only)")
}

// load builds the policy context and options from the flags, falling
// back to the configuration for the catalog path and mode.
func (p *policyInputs) load() (policy.PolicyContext, policy.Options, error) {
	env, err := loadEnvironment(&p.global)
	if err != nil {
		return policy.PolicyContext{}, policy.Options{}, err
	}
	defer env.Close()

	options, err := env.policyOptions()
	if err != nil {
		return policy.PolicyContext{}, policy.Options{}, err
	}
	if p.mode != "" {
		if options.Mode, err = policy.ParseMode(p.mode); err != nil {
			return policy.PolicyContext{}, policy.Options{}, err
		}
	}
	if p.allowUnknown {
		options.AllowUnknown = true
	}

	input := policy.PolicyContext{
		Subjects:     policy.StaticPolicy{},
		Capabilities: make(map[string]policy.Capabilities),
		Roles:        make(map[string][]string),
	}
	staticFile := p.staticFile
	if staticFile == "" {
		staticFile = env.config.Policy.StaticFile
	}
	if staticFile != "" {
		if input.Subjects, err = policy.LoadStaticFile(staticFile); err != nil {
			return policy.PolicyContext{}, policy.Options{}, err
		}
	}

	for _, declaration := range p.declarations {
		aeID, path, err := splitAssignment("--declare", declaration)
		if err != nil {
			return policy.PolicyContext{}, policy.Options{}, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return policy.PolicyContext{}, policy.Options{}, err
		}
		declared, err := policy.ParseCapabilities(data)
		if err != nil {
			return policy.PolicyContext{}, policy.Options{}, fmt.Errorf("%w (in %s)", err, path)
		}
		input.Capabilities[aeID] = declared
	}
	for _, assignment := range p.roles {
		aeID, role, err := splitAssignment("--role", assignment)
		if err != nil {
			return policy.PolicyContext{}, policy.Options{}, err
		}
		input.Roles[aeID] = append(input.Roles[aeID], role)
	}
	return input, options, nil
}

func splitAssignment(flag, value string) (string, string, error) {
	key, rest, found := strings.Cut(value, "=")
	if !found || key == "" || rest == "" {
		return "", "", fmt.Errorf("%s %q: want ae-id=value", flag, value)
	}
	return key, rest, nil
}

// resolutionView is the JSON form of a Resolution.
type resolutionView struct {
	Mode         string                   `json:"mode"`
	AllowUnknown bool                     `json:"allow_unknown"`
	Resolved     map[string]policy.Grants `json:"resolved"`
	Rejected     []policy.Rejection       `json:"rejected"`
}

func policyResolveCommand(out io.Writer) *cli.Command {
	var inputs policyInputs
	var outputJSON bool
	return &cli.Command{
		Name:    "resolve",
		Summary: "Print every agent's effective grants",
		Description: `Merge the static catalog with capability declarations and print the
effective publish and subscribe sets per agent, followed by any
declared capabilities the merge rejected.`,
		Examples: []cli.Example{
			{
				Description: "Show what A1 would get in additive mode",
				Command:     "abi policy resolve --static subjects.jsonc --declare A1=a1-caps.jsonc --mode additive",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("resolve", pflag.ContinueOnError)
			inputs.register(flagSet)
			flagSet.BoolVar(&outputJSON, "json", false, "output as JSON")
			return flagSet
		},
		Run: func(args []string) error {
			input, options, err := inputs.load()
			if err != nil {
				return err
			}
			resolution := policy.Resolve(input, options)

			if outputJSON {
				return cli.WriteJSON(out, resolutionView{
					Mode:         options.Mode.String(),
					AllowUnknown: options.AllowUnknown,
					Resolved:     resolution.Resolved,
					Rejected:     resolution.Rejected,
				})
			}

			aeIDs := make([]string, 0, len(resolution.Resolved))
			for aeID := range resolution.Resolved {
				aeIDs = append(aeIDs, aeID)
			}
			slices.Sort(aeIDs)

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "mode: %s\n\n", options.Mode)
			fmt.Fprintln(tw, "AE_ID\tPUBLISHES\tSUBSCRIBES")
			for _, aeID := range aeIDs {
				grants := resolution.Resolved[aeID]
				fmt.Fprintf(tw, "%s\t%s\t%s\n", aeID, listOrDash(grants.Publishes), listOrDash(grants.Subscribes))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if len(resolution.Rejected) > 0 {
				fmt.Fprintf(out, "\nrejected:\n")
				for _, rejection := range resolution.Rejected {
					fmt.Fprintf(out, "  %s\n", rejection)
				}
			}
			return nil
		},
	}
}

func policyCheckCommand(out io.Writer) *cli.Command {
	var inputs policyInputs
	return &cli.Command{
		Name:    "check",
		Summary: "Check one publish or subscribe decision",
		Description: `Resolve policy and check whether an agent may publish or subscribe to
a subject. Prints "allowed" and exits 0, or prints the denial kind and
reason and exits 1.

Trust state is not consulted; use 'abi keyring show' for that.`,
		Usage: "abi policy check <ae-id> <subject> <publish|subscribe> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("check", pflag.ContinueOnError)
			inputs.register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 3 {
				return fmt.Errorf("usage: abi policy check <ae-id> <subject> <publish|subscribe>")
			}
			op, err := policy.ParseOperation(args[2])
			if err != nil {
				return err
			}
			input, options, err := inputs.load()
			if err != nil {
				return err
			}

			decision := policy.Resolve(input, options).Authorize(args[0], args[1], op)
			if decision != nil {
				fmt.Fprintf(out, "denied (%s): %v\n", errkind.Of(decision), decision)
				return &cli.ExitError{Code: 1}
			}
			fmt.Fprintln(out, "allowed")
			return nil
		},
	}
}

func listOrDash(values []string) string {
	if len(values) == 0 {
		return "-"
	}
	return strings.Join(values, ",")
}
