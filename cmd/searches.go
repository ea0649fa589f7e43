package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/leadgen-cli/internal/model"
	"github.com/sells-group/leadgen-cli/internal/store"
)

const (
	defaultSearchLimit = 100
	maxSearchLimit     = 10000
)

// searchRequest is the input for a new lead search, from the API or the CLI.
type searchRequest struct {
	ThreadID      string           `json:"thread_id"`
	Provider      string           `json:"provider"`
	Kind          model.SearchKind `json:"kind"`
	Query         json.RawMessage  `json:"query"`
	Limit         int              `json:"limit"`
	TriggeredByID string           `json:"triggered_by_id"`
}

// newLeadSearch validates req and builds the search. Bad input is a
// model.ValidationError.
func newLeadSearch(req searchRequest) (*model.LeadSearch, error) {
	if req.Provider == "" {
		return nil, &model.ValidationError{Message: "provider is required"}
	}
	if !req.Kind.Valid() {
		return nil, &model.ValidationError{Message: fmt.Sprintf("kind must be %s or %s", model.KindLeadDB, model.KindScraper)}
	}
	if req.Limit == 0 {
		req.Limit = defaultSearchLimit
	}
	if req.Limit < 0 || req.Limit > maxSearchLimit {
		return nil, &model.ValidationError{Message: fmt.Sprintf("limit must be between 1 and %d", maxSearchLimit)}
	}
	if _, err := model.ParseQuery(req.Query); err != nil {
		return nil, err
	}
	return &model.LeadSearch{
		ThreadID:      req.ThreadID,
		Provider:      req.Provider,
		Kind:          req.Kind,
		Query:         req.Query,
		Limit:         req.Limit,
		TriggeredByID: req.TriggeredByID,
	}, nil
}

// loadSearch returns the search or an error wrapping store.ErrNotFound.
func loadSearch(ctx context.Context, st store.Store, id string) (*model.LeadSearch, error) {
	ls, err := st.GetLeadSearch(ctx, id)
	if err != nil {
		return nil, err
	}
	if ls == nil {
		return nil, eris.Wrapf(store.ErrNotFound, "lead search %s", id)
	}
	return ls, nil
}

var searchesCmd = &cobra.Command{
	Use:   "searches",
	Short: "Create and inspect lead searches",
}

// -- searches create --

var searchesCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a lead search",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		req := searchRequest{}
		req.Provider, _ = cmd.Flags().GetString("provider")
		kind, _ := cmd.Flags().GetString("kind")
		req.Kind = model.SearchKind(kind)
		query, _ := cmd.Flags().GetString("query")
		req.Query = json.RawMessage(query)
		req.Limit, _ = cmd.Flags().GetInt("limit")
		req.ThreadID, _ = cmd.Flags().GetString("thread")
		dispatch, _ := cmd.Flags().GetBool("dispatch")

		ls, err := newLeadSearch(req)
		if err != nil {
			return err
		}

		if !dispatch {
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck
			if err := st.CreateLeadSearch(ctx, ls); err != nil {
				return eris.Wrap(err, "searches create")
			}
			fmt.Fprintln(cmd.OutOrStdout(), ls.ID)
			return nil
		}

		env, err := initEnv(ctx, "dispatch")
		if err != nil {
			return err
		}
		defer env.Close()
		if err := env.Store.CreateLeadSearch(ctx, ls); err != nil {
			return eris.Wrap(err, "searches create")
		}
		if err := env.Dispatcher.Dispatch(ctx, ls); err != nil {
			return eris.Wrapf(err, "dispatch %s", ls.ID)
		}
		fmt.Fprintln(cmd.OutOrStdout(), ls.ID)
		return nil
	},
}

// -- searches show --

var searchesShowCmd = &cobra.Command{
	Use:   "show <lead-search-id>",
	Short: "Show a lead search and its runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ls, err := loadSearch(ctx, st, args[0])
		if err != nil {
			return eris.Wrap(err, "searches show")
		}
		runs, err := st.ListRuns(ctx, model.RunFilter{LeadSearchID: ls.ID})
		if err != nil {
			return eris.Wrap(err, "searches show")
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(searchView{LeadSearch: ls, Runs: runs})
		}
		formatSearch(cmd.OutOrStdout(), ls, runs, time.Now())
		return nil
	},
}

// searchView is a lead search with its runs, as shown by the CLI and API.
type searchView struct {
	*model.LeadSearch
	Runs []model.Run `json:"runs"`
}

func init() {
	searchesCreateCmd.Flags().String("provider", "", "provider id or alias")
	searchesCreateCmd.Flags().String("kind", string(model.KindLeadDB), "acquisition mode (LEAD_DB, SCRAPER)")
	searchesCreateCmd.Flags().String("query", "", "canonical query JSON")
	searchesCreateCmd.Flags().Int("limit", defaultSearchLimit, "max leads")
	searchesCreateCmd.Flags().String("thread", "", "thread to notify on completion")
	searchesCreateCmd.Flags().Bool("dispatch", false, "dispatch the search after creating it")

	searchesShowCmd.Flags().Bool("json", false, "print JSON")

	searchesCmd.AddCommand(searchesCreateCmd)
	searchesCmd.AddCommand(searchesShowCmd)
	rootCmd.AddCommand(searchesCmd)
}

// formatSearch writes a search summary and its runs to out.
func formatSearch(out io.Writer, ls *model.LeadSearch, runs []model.Run, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "ID:\t%s\n", ls.ID)
	_, _ = fmt.Fprintf(w, "Provider:\t%s\n", ls.Provider)
	_, _ = fmt.Fprintf(w, "Kind:\t%s\n", ls.Kind)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", ls.Status)
	_, _ = fmt.Fprintf(w, "Leads:\t%d / %d\n", ls.TotalLeads, ls.Limit)
	if ls.ErrorMessage != "" {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", ls.ErrorMessage)
	}
	_, _ = fmt.Fprintf(w, "Duration:\t%s\n", ls.Duration(now).Round(time.Second))
	_ = w.Flush()

	if len(runs) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out)
	formatRunsList(out, runs)
}
