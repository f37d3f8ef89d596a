package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mcpbundler/mcpbundler-go/internal/auth"
	"github.com/mcpbundler/mcpbundler-go/internal/transport"
)

var (
	mcpStateless    bool
	mcpAuthStrategy string
	mcpAllowPrivate bool

	credType       string
	credToken      string
	credUsername   string
	credPassword   string
	credHeaderName string
	credValue      string

	mcpCmd = &cobra.Command{
		Use:   "mcp",
		Short: "Manage upstream MCP servers",
	}

	mcpAddCmd = &cobra.Command{
		Use:   "add <name> <url>",
		Short: "Register an upstream MCP server",
		Long: `Register an upstream MCP server by name and URL.

Examples:
  mcpbundler mcp add github https://mcp.github.com/mcp
  mcpbundler mcp add notion https://mcp.notion.com/mcp --stateless --auth-strategy MASTER`,
		Args: cobra.ExactArgs(2),
		RunE: runMCPAdd,
	}

	mcpListCmd = &cobra.Command{
		Use:   "list",
		Short: "List registered MCP servers",
		Args:  cobra.NoArgs,
		RunE:  runMCPList,
	}

	mcpSetCredentialCmd = &cobra.Command{
		Use:   "set-credential <mcp-id>",
		Short: "Set the master credential for an MCP server",
		Long: `Set the shared master credential for an MCP server. The credential is
encrypted before it reaches disk.

Examples:
  mcpbundler mcp set-credential <id> --type bearer --token ghp_xxx
  mcpbundler mcp set-credential <id> --type basic --username svc --password secret
  mcpbundler mcp set-credential <id> --type api_key --header-name X-Api-Key --value k`,
		Args: cobra.ExactArgs(1),
		RunE: runMCPSetCredential,
	}
)

func init() {
	mcpAddCmd.Flags().BoolVar(&mcpStateless, "stateless", false, "Mark the server stateless so its connector can be pooled across sessions")
	mcpAddCmd.Flags().StringVar(&mcpAuthStrategy, "auth-strategy", string(auth.StrategyNone), "Credential strategy: NONE, MASTER or USER_SET")
	mcpAddCmd.Flags().BoolVar(&mcpAllowPrivate, "allow-private", false, "Permit loopback/private upstream addresses (development only)")

	mcpSetCredentialCmd.Flags().StringVar(&credType, "type", "", "Credential type: bearer, basic, api_key, oauth2 or mtls")
	mcpSetCredentialCmd.Flags().StringVar(&credToken, "token", "", "Bearer token")
	mcpSetCredentialCmd.Flags().StringVar(&credUsername, "username", "", "Basic auth username")
	mcpSetCredentialCmd.Flags().StringVar(&credPassword, "password", "", "Basic auth password")
	mcpSetCredentialCmd.Flags().StringVar(&credHeaderName, "header-name", "", "API key header name")
	mcpSetCredentialCmd.Flags().StringVar(&credValue, "value", "", "API key value")

	mcpCmd.AddCommand(mcpAddCmd)
	mcpCmd.AddCommand(mcpListCmd)
	mcpCmd.AddCommand(mcpSetCredentialCmd)
}

func runMCPAdd(_ *cobra.Command, args []string) error {
	name, url := args[0], args[1]

	if err := transport.ValidateUpstreamURL(url, mcpAllowPrivate); err != nil {
		return fmt.Errorf("invalid upstream URL: %w", err)
	}

	strategy := auth.Strategy(strings.ToUpper(mcpAuthStrategy))
	switch strategy {
	case auth.StrategyNone, auth.StrategyMaster, auth.StrategyUserSet:
	default:
		return fmt.Errorf("unknown auth strategy %q", mcpAuthStrategy)
	}

	manager, cleanup, err := openManager()
	if err != nil {
		return err
	}
	defer cleanup()

	rec, err := manager.CreateMCP(name, url, mcpStateless, strategy)
	if err != nil {
		return err
	}
	fmt.Printf("Registered MCP %s (%s)\n", rec.Name, rec.ID)
	return nil
}

func runMCPList(_ *cobra.Command, _ []string) error {
	manager, cleanup, err := openManager()
	if err != nil {
		return err
	}
	defer cleanup()

	records, err := manager.ListMCPs()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No MCP servers registered")
		return nil
	}
	for _, rec := range records {
		mode := "stateful"
		if rec.Stateless {
			mode = "stateless"
		}
		fmt.Printf("%s  %-20s %-9s %-8s %s\n", rec.ID, rec.Name, mode, rec.AuthStrategy, rec.URL)
	}
	return nil
}

func runMCPSetCredential(_ *cobra.Command, args []string) error {
	cred := auth.Credential{
		Type:       auth.Type(credType),
		Token:      credToken,
		Username:   credUsername,
		Password:   credPassword,
		HeaderName: credHeaderName,
		Value:      credValue,
	}
	if err := cred.Validate(); err != nil {
		return err
	}
	if cred.IsNone() {
		return fmt.Errorf("--type is required")
	}

	manager, cleanup, err := openManager()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := manager.SetMasterCredential(args[0], cred); err != nil {
		return err
	}
	fmt.Println("Master credential updated")
	return nil
}
