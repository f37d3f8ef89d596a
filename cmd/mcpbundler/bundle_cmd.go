package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mcpbundler/mcpbundler-go/internal/storage"
)

var (
	memberNamespace  string
	allowedTools     []string
	allowedResources []string
	allowedPrompts   []string

	bundleCmd = &cobra.Command{
		Use:   "bundle",
		Short: "Manage bundles of MCP servers",
	}

	bundleCreateCmd = &cobra.Command{
		Use:   "create <name>",
		Short: "Create a bundle",
		Args:  cobra.ExactArgs(1),
		RunE:  runBundleCreate,
	}

	bundleAddMemberCmd = &cobra.Command{
		Use:   "add-member <bundle-id> <mcp-id>",
		Short: "Bind an MCP server into a bundle under a namespace",
		Long: `Bind an MCP server into a bundle. Each member gets a namespace that
prefixes its tools and prompts, and optional per-kind allow-lists.
Omitting an allow-list allows everything; passing it with no values
denies everything of that kind.

Examples:
  mcpbundler bundle add-member <bundle> <mcp> --namespace github
  mcpbundler bundle add-member <bundle> <mcp> --namespace github --allow-tool search --allow-tool "^get_.*"`,
		Args: cobra.ExactArgs(2),
		RunE: runBundleAddMember,
	}

	bundleMembersCmd = &cobra.Command{
		Use:   "members <bundle-id>",
		Short: "List a bundle's members in attach order",
		Args:  cobra.ExactArgs(1),
		RunE:  runBundleMembers,
	}
)

func init() {
	bundleAddMemberCmd.Flags().StringVarP(&memberNamespace, "namespace", "n", "", "Namespace for the member (required)")
	bundleAddMemberCmd.Flags().StringArrayVar(&allowedTools, "allow-tool", nil, "Allowed tool name, wildcard or regex (repeatable)")
	bundleAddMemberCmd.Flags().StringArrayVar(&allowedResources, "allow-resource", nil, "Allowed resource URI or name pattern (repeatable)")
	bundleAddMemberCmd.Flags().StringArrayVar(&allowedPrompts, "allow-prompt", nil, "Allowed prompt name pattern (repeatable)")
	_ = bundleAddMemberCmd.MarkFlagRequired("namespace")

	bundleCmd.AddCommand(bundleCreateCmd)
	bundleCmd.AddCommand(bundleAddMemberCmd)
	bundleCmd.AddCommand(bundleMembersCmd)
}

func runBundleCreate(_ *cobra.Command, args []string) error {
	manager, cleanup, err := openManager()
	if err != nil {
		return err
	}
	defer cleanup()

	rec, err := manager.CreateBundle(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Created bundle %s (%s)\n", rec.Name, rec.ID)
	return nil
}

func runBundleAddMember(cmd *cobra.Command, args []string) error {
	manager, cleanup, err := openManager()
	if err != nil {
		return err
	}
	defer cleanup()

	member := &storage.BundleMemberRecord{
		BundleID:  args[0],
		MCPID:     args[1],
		Namespace: memberNamespace,
	}
	// Distinguish "flag absent" (allow-all, nil) from "flag given with no
	// values" (deny-all, empty).
	if cmd.Flags().Changed("allow-tool") {
		member.AllowedTools = emptyNotNil(allowedTools)
	}
	if cmd.Flags().Changed("allow-resource") {
		member.AllowedResources = emptyNotNil(allowedResources)
	}
	if cmd.Flags().Changed("allow-prompt") {
		member.AllowedPrompts = emptyNotNil(allowedPrompts)
	}

	if err := manager.AddBundleMember(member); err != nil {
		return err
	}
	fmt.Printf("Added %s to bundle as namespace %q (position %d)\n", member.MCPID, member.Namespace, member.Position)
	return nil
}

func runBundleMembers(_ *cobra.Command, args []string) error {
	manager, cleanup, err := openManager()
	if err != nil {
		return err
	}
	defer cleanup()

	members, err := manager.ListBundleMembers(args[0])
	if err != nil {
		return err
	}
	if len(members) == 0 {
		fmt.Println("Bundle has no members")
		return nil
	}
	for _, m := range members {
		fmt.Printf("%3d  %-20s %s  tools=%s resources=%s prompts=%s\n",
			m.Position, m.Namespace, m.MCPID,
			describeAllowList(m.AllowedTools),
			describeAllowList(m.AllowedResources),
			describeAllowList(m.AllowedPrompts))
	}
	return nil
}

func emptyNotNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func describeAllowList(patterns []string) string {
	switch {
	case patterns == nil:
		return "all"
	case len(patterns) == 0:
		return "none"
	default:
		return fmt.Sprintf("%d patterns", len(patterns))
	}
}
