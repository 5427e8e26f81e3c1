package main

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"trackline/internal/app"
	"trackline/internal/domain"
	"trackline/internal/engine"
	"trackline/internal/repo"
)

func statusCmd() *cobra.Command {
	st := &cobra.Command{
		Use:   "status",
		Short: "Manage completion statuses",
		Long:  "A completion status tracks one action against one asset (optionally scoped) for a control and family. Lifecycle: Open, In Progress, Delegated to IT Team, Evidence Uploaded, Audit/External Audit Delegated, then Audit Closed, Audit Non-Confirm or Wrong Evidence, and finally Closed.",
	}
	st.AddCommand(statusCreateCmd())
	st.AddCommand(statusUpdateCmd())
	st.AddCommand(statusListCmd())
	st.AddCommand(statusShowCmd())
	st.AddCommand(statusHistoryCmd())
	st.AddCommand(statusDeleteCmd())
	st.AddCommand(statusDelegateITCmd())
	st.AddCommand(statusDelegateAuditorCmd(false))
	st.AddCommand(statusDelegateAuditorCmd(true))
	st.AddCommand(statusReviewCmd("confirm-evidence", "Confirm evidence, or return it when --feedback is given"))
	st.AddCommand(statusReviewCmd("raise-query", "Flag uploaded evidence as wrong"))
	return st
}

// boolFlag returns the flag value only when it was set on the command line.
func boolFlag(cmd *cobra.Command, name string) *bool {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetBool(name)
	return &v
}

func statusCreateCmd() *cobra.Command {
	var key domain.CompositeKey
	var createdBy, assignedTo, status, action, feedback string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a status or update the one stored under the key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.CreateOrUpdate(ctx, engine.CreateOrUpdateOptions{
					Key:                key,
					IsCompleted:        boolFlag(cmd, "completed"),
					IsEvidenceUploaded: boolFlag(cmd, "evidence-uploaded"),
					AssignedTo:         optionalString(assignedTo),
					Status:             optionalString(status),
					Action:             optionalString(action),
					Feedback:           optionalString(feedback),
					CreatedBy:          createdBy,
					ActorID:            viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printStatus(s)
			})
		},
	}
	cmd.Flags().StringVar(&key.ActionID, "action-id", "", "action id")
	cmd.Flags().StringVar(&key.AssetID, "asset-id", "", "asset id")
	cmd.Flags().StringVar(&key.ScopeID, "scope-id", "", "scope id (optional)")
	cmd.Flags().StringVar(&key.ControlID, "control-id", "", "control id")
	cmd.Flags().StringVar(&key.FamilyID, "family-id", "", "family id")
	cmd.Flags().Bool("completed", false, "mark completed")
	cmd.Flags().Bool("evidence-uploaded", false, "mark evidence uploaded")
	cmd.Flags().StringVar(&createdBy, "created-by", "", "author id for a new status (default actor id)")
	cmd.Flags().StringVar(&assignedTo, "assigned-to", "", "assignee id")
	cmd.Flags().StringVar(&status, "status", "", "lifecycle status")
	cmd.Flags().StringVar(&action, "action", "", "action label")
	cmd.Flags().StringVar(&feedback, "feedback", "", "feedback text")
	for _, f := range []string{"action-id", "asset-id", "control-id", "family-id"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func statusUpdateCmd() *cobra.Command {
	var status, action, feedback string
	var clearFeedback bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a status; Closed and Audit Closed mark it completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				fb := optionalString(feedback)
				if clearFeedback {
					empty := ""
					fb = &empty
				}
				s, err := a.Engine.Update(ctx, engine.UpdateOptions{
					ID:                 args[0],
					Status:             optionalString(status),
					Action:             optionalString(action),
					Feedback:           fb,
					IsCompleted:        boolFlag(cmd, "completed"),
					IsEvidenceUploaded: boolFlag(cmd, "evidence-uploaded"),
					ActorID:            viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printStatus(s)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "lifecycle status")
	cmd.Flags().StringVar(&action, "action", "", "action label")
	cmd.Flags().StringVar(&feedback, "feedback", "", "feedback text")
	cmd.Flags().BoolVar(&clearFeedback, "clear-feedback", false, "remove the feedback")
	cmd.Flags().Bool("completed", false, "mark completed")
	cmd.Flags().Bool("evidence-uploaded", false, "mark evidence uploaded")
	cmd.MarkFlagsMutuallyExclusive("feedback", "clear-feedback")
	return cmd
}

func statusListCmd() *cobra.Command {
	var f repo.StatusFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List statuses",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				views, err := a.Engine.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(views)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Action", "Asset", "Scope", "Control", "Status", "Done", "Assigned To"})
				for _, v := range views {
					scope := ""
					if v.ScopeID != nil {
						scope = *v.ScopeID
					}
					tw.AppendRow(table.Row{v.ID, v.ActionID, v.AssetID, scope, v.ControlID, v.Status, v.IsCompleted, actorLabel(v.AssignedTo)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ActionID, "action-id", "", "action filter")
	cmd.Flags().StringVar(&f.AssetID, "asset-id", "", "asset filter")
	cmd.Flags().StringVar(&f.ScopeID, "scope-id", "", "scope filter")
	cmd.Flags().StringVar(&f.ControlID, "control-id", "", "control filter")
	cmd.Flags().StringVar(&f.FamilyID, "family-id", "", "family filter")
	cmd.Flags().StringVar(&f.AssignedTo, "assigned-to", "", "assignee filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	return cmd
}

func statusShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a status with its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printStatus(s)
			})
		},
	}
}

func statusHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show the change history of a status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				h, err := a.Engine.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(h)
				}
				printHistory(h)
				return nil
			})
		},
	}
}

func statusDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a status and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("CompletionStatus deleted successfully")
				return nil
			})
		},
	}
}

func statusDelegateITCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "delegate-it <id>",
		Short: "Delegate a status to an IT owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.DelegateToIT(ctx, args[0], owner, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printStatus(s)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "it-owner", "", "IT owner id")
	_ = cmd.MarkFlagRequired("it-owner")
	return cmd
}

func statusDelegateAuditorCmd(external bool) *cobra.Command {
	use, short := "delegate-auditor <id>", "Delegate a status to the default auditor"
	if external {
		use, short = "delegate-external-auditor <id>", "Delegate a status to the external auditor"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				delegate := a.Engine.DelegateToAuditor
				if external {
					delegate = a.Engine.DelegateToExternalAuditor
				}
				s, err := delegate(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printStatus(s)
			})
		},
	}
}

func statusReviewCmd(use, short string) *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				review := a.Engine.ConfirmEvidence
				if use == "raise-query" {
					review = a.Engine.RaiseQuery
				}
				s, err := review(ctx, args[0], optionalString(feedback), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printStatus(s)
			})
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "reviewer feedback")
	return cmd
}

func riskCmd() *cobra.Command {
	risk := &cobra.Command{
		Use:   "risk",
		Short: "Show outstanding-work risk",
	}
	risk.AddCommand(&cobra.Command{
		Use:   "asset <assetId>",
		Short: "Risk of one asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.RiskByAsset(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(r)
				}
				printRisk([]domain.RiskSummary{r})
				return nil
			})
		},
	})
	risk.AddCommand(&cobra.Command{
		Use:   "overall",
		Short: "Risk of every asset and their total",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.OverallRisk(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(r)
				}
				total := r.RiskSummary
				total.AssetID = "(all)"
				printRisk(append(r.Assets, total))
				return nil
			})
		},
	})
	return risk
}

func printStatus(s domain.CompletionStatus) error {
	if viper.GetBool("json") {
		return printJSON(s)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	scope, feedback, completedAt := "", "", ""
	if s.ScopeID != nil {
		scope = *s.ScopeID
	}
	if s.Feedback != nil {
		feedback = *s.Feedback
	}
	if s.CompletedAt != nil {
		completedAt = *s.CompletedAt
	}
	tw.AppendRows([]table.Row{
		{"ID", s.ID},
		{"Key", strings.Join([]string{s.ActionID, s.AssetID, scope, s.ControlID, s.FamilyID}, " / ")},
		{"Status", s.Status},
		{"Action", s.Action},
		{"Completed", s.IsCompleted},
		{"Completed At", completedAt},
		{"Evidence Uploaded", s.IsEvidenceUploaded},
		{"Created By", s.CreatedBy},
		{"Assigned By", s.AssignedBy},
		{"Assigned To", s.AssignedTo},
		{"Reviewed By", s.ReviewedBy},
		{"Feedback", feedback},
		{"Updated At", s.UpdatedAt},
	})
	tw.Render()
	if len(s.History) > 0 {
		printHistory(s.History)
	}
	return nil
}

func printHistory(h []domain.HistoryEntry) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Modified At", "Modified By", "Changes"})
	for _, e := range h {
		tw.AppendRow(table.Row{e.ModifiedAt, e.ModifiedBy, formatChanges(e.Changes)})
	}
	tw.Render()
}

func printRisk(rows []domain.RiskSummary) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Asset", "Total", "Completed", "Evidence", "Outstanding", "Score", "Level"})
	for _, r := range rows {
		tw.AppendRow(table.Row{r.AssetID, r.Total, r.Completed, r.EvidenceUploaded, r.Outstanding, fmt.Sprintf("%.2f", r.RiskScore), r.RiskLevel})
	}
	tw.Render()
}

func formatChanges(c domain.Changes) string {
	parts := make([]string, 0, len(c))
	for _, k := range slices.Sorted(maps.Keys(c)) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, c[k]))
	}
	return strings.Join(parts, ", ")
}

func actorLabel(ref *domain.ActorRef) string {
	if ref == nil {
		return ""
	}
	if ref.Username != "" {
		return ref.Username
	}
	return ref.ID
}
