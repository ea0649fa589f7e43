// Package export writes a lead search's persisted leads to an xlsx workbook.
package export

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/leadgen-cli/internal/model"
)

// Source is the subset of store.Store an export reads.
type Source interface {
	GetLeadSearch(ctx context.Context, id string) (*model.LeadSearch, error)
	ListSearchLeads(ctx context.Context, leadSearchID string) ([]model.Lead, error)
	ListRuns(ctx context.Context, filter model.RunFilter) ([]model.Run, error)
}

// SheetName is the name of the single sheet written.
const SheetName = "Leads"

// Header is the first row of every export.
var Header = []string{
	"First Name", "Last Name", "Full Name", "Title", "Company",
	"Company Domain", "Company URL", "LinkedIn URL", "Location", "Email",
}

// Search writes the leads of lead search id into dir and returns the file
// path and the number of leads written. An empty name picks FileName.
func Search(ctx context.Context, src Source, id, dir, name string) (string, int, error) {
	ls, err := src.GetLeadSearch(ctx, id)
	if err != nil {
		return "", 0, eris.Wrapf(err, "export: load lead search %s", id)
	}
	if ls == nil {
		return "", 0, eris.Errorf("export: lead search %s not found", id)
	}
	leads, err := src.ListSearchLeads(ctx, id)
	if err != nil {
		return "", 0, eris.Wrapf(err, "export: list leads of %s", id)
	}
	if name == "" {
		runs, err := src.ListRuns(ctx, model.RunFilter{LeadSearchID: id, Status: model.RunSuccess})
		if err != nil {
			return "", 0, eris.Wrapf(err, "export: list runs of %s", id)
		}
		name = FileName(ls, runs)
	}

	path := filepath.Join(dir, name)
	if err := Write(path, leads); err != nil {
		return "", 0, err
	}
	return path, len(leads), nil
}

// FileName derives the workbook name from the first provider file name
// hint among runs, falling back to the search id.
func FileName(ls *model.LeadSearch, runs []model.Run) string {
	for _, r := range runs {
		hint := model.ParseRunMeta(r.ResponseMeta).FileNameHint
		hint = strings.TrimSuffix(filepath.Base(hint), filepath.Ext(hint))
		if hint != "" && hint != "." && hint != string(filepath.Separator) {
			return hint + ".xlsx"
		}
	}
	return "lead-search-" + ls.ID + ".xlsx"
}

// Write saves leads as a workbook at path.
func Write(path string, leads []model.Lead) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(SheetName)
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}
	addRow(sheet, Header)
	for _, l := range leads {
		addRow(sheet, []string{
			l.FirstName, l.LastName, l.FullName, l.Title, l.Company,
			l.CompanyDomain, l.CompanyURL, l.LinkedInURL, l.Location, l.Email,
		})
	}
	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "export: save %s", path)
	}
	return nil
}

func addRow(sheet *xlsx.Sheet, values []string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}
