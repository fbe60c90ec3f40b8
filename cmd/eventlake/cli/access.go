package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"eventlake/internal/api"
	"eventlake/internal/catalog"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "policy",
		Aliases: []string{"policies"},
		Short:   "Manage access policies",
	}
	cmd.AddCommand(newPolicyListCmd(), newPolicyApplyCmd(), newPolicyDeleteCmd())
	return cmd
}

func newPolicyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List access policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := clientFromCmd(cmd).Policies(cmd.Context())
			if err != nil {
				return err
			}
			p := newPrinter(cmd)
			if p.isJSON() {
				return p.json(list)
			}
			var rows [][]string
			for _, pol := range list.Items {
				rows = append(rows, []string{pol.ID.String(), pol.Name, grantSummary(pol.Grants)})
			}
			p.table([]string{"ID", "NAME", "GRANTS"}, rows)
			return nil
		},
	}
}

func grantSummary(grants []catalog.Grant) string {
	parts := make([]string, 0, len(grants))
	for _, g := range grants {
		s := g.CollectionName + ":" + string(g.Permission)
		if len(g.ScopeFields) > 0 {
			s += "[" + strings.Join(g.ScopeFields, ",") + "]"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, " ")
}

func newPolicyApplyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Create or replace a policy from a YAML or JSON file",
		Long: `Apply reads a policy document and puts it on the server. Example:

  name: tenant-readers
  grants:
    - collection: orders
      scopeFields: [tenant]
      exclude: [payload.card]
      permission: read`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			var req api.PolicyRequest
			if err := readDocument(cmd, path, &req); err != nil {
				return err
			}
			pol, err := clientFromCmd(cmd).PutPolicy(cmd.Context(), req)
			if err != nil {
				return err
			}
			p := newPrinter(cmd)
			if p.isJSON() {
				return p.json(pol)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Applied policy %q (%s)\n", pol.Name, pol.ID)
			return nil
		},
	}
	cmd.Flags().StringP("file", "f", "", "policy file, or - for stdin (required)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newPolicyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name-or-id>",
		Short: "Delete a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFromCmd(cmd).DeletePolicy(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted policy %s\n", args[0])
			return nil
		},
	}
}

func newCredentialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "credential",
		Aliases: []string{"credentials", "cred"},
		Short:   "Manage access credentials",
	}
	cmd.AddCommand(newCredentialListCmd(), newCredentialPutCmd(), newCredentialDeleteCmd())
	return cmd
}

func newCredentialListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List access credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := clientFromCmd(cmd).Credentials(cmd.Context())
			if err != nil {
				return err
			}
			p := newPrinter(cmd)
			if p.isJSON() {
				return p.json(list)
			}
			var rows [][]string
			for _, c := range list.Items {
				var scope []string
				for _, sv := range c.ScopeValues {
					scope = append(scope, fmt.Sprintf("%s=%v", sv.Field, sv.Value))
				}
				rows = append(rows, []string{c.ID.String(), c.Name, c.PolicyID.String(), strings.Join(scope, ",")})
			}
			p.table([]string{"ID", "NAME", "POLICY", "SCOPE"}, rows)
			return nil
		},
	}
}

func newCredentialPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <name>",
		Short: "Create or update a credential",
		Long: `Put creates a credential bound to a policy, or updates an existing one.
The access key is printed only when a secret is issued: on creation, or
with --rotate.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, _ := cmd.Flags().GetString("policy")
			rotate, _ := cmd.Flags().GetBool("rotate")
			scopes, _ := cmd.Flags().GetStringArray("scope")
			req := api.CredentialRequest{Name: args[0], Policy: policy, RotateSecret: rotate}
			for _, kv := range scopes {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return fmt.Errorf("invalid --scope %q: expected field=value", kv)
				}
				req.ScopeValues = append(req.ScopeValues, catalog.ScopeValue{Field: k, Value: v})
			}
			cred, err := clientFromCmd(cmd).PutCredential(cmd.Context(), req)
			if err != nil {
				return err
			}
			p := newPrinter(cmd)
			if p.isJSON() {
				return p.json(cred)
			}
			pairs := [][2]string{{"ID", cred.ID.String()}, {"Name", cred.Name}}
			if cred.AccessKey != "" {
				pairs = append(pairs, [2]string{"Access key", cred.AccessKey})
			}
			p.kv(pairs)
			return nil
		},
	}
	cmd.Flags().String("policy", "", "policy name or id (required)")
	cmd.Flags().StringArray("scope", nil, "scope value field=value (repeatable)")
	cmd.Flags().Bool("rotate", false, "issue a new secret")
	_ = cmd.MarkFlagRequired("policy")
	return cmd
}

func newCredentialDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name-or-id>",
		Short: "Delete a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFromCmd(cmd).DeleteCredential(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted credential %s\n", args[0])
			return nil
		},
	}
}
